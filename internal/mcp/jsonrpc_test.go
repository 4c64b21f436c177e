package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResponseMatches(t *testing.T) {
	req := NewRequest(7, "tools/list", nil)
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"matching result", `{"jsonrpc":"2.0","id":7,"result":{}}`, true},
		{"matching error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, true},
		{"other id", `{"jsonrpc":"2.0","id":8,"result":{}}`, false},
		{"server notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, false},
		{"server request reusing id", `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := resp.matches(req); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification carries an id: %s", data)
	}
	if strings.Contains(string(data), `"params"`) {
		t.Errorf("nil params should be omitted: %s", data)
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: CodeInvalidParams, Message: "bad args"}
	if got := err.Error(); got != "jsonrpc error -32602: bad args" {
		t.Errorf("Error() = %q", got)
	}
}
