package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo " + name,
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%s:%v", name, args["text"]), nil
		},
	}
}

func TestRegistry_RegisterGet(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("alpha"))

	if r.Get("alpha") == nil {
		t.Fatal("Get(alpha) = nil, want tool")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("alpha"))

	if !r.Unregister("alpha") {
		t.Error("Unregister(alpha) = false, want true")
	}
	if r.Unregister("alpha") {
		t.Error("second Unregister(alpha) = true, want false")
	}
	if r.Get("alpha") != nil {
		t.Error("alpha still registered")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		r.Register(echoTool(n))
	}

	got := r.Names()
	want := []string{"alpha", "bravo", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("alpha"))

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
	if list[0]["type"] != "function" {
		t.Errorf("type = %v, want function", list[0]["type"])
	}
	fn, ok := list[0]["function"].(map[string]any)
	if !ok {
		t.Fatal("function entry is not a map")
	}
	if fn["name"] != "alpha" {
		t.Errorf("name = %v, want alpha", fn["name"])
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("alpha"))

	got, err := r.Execute(context.Background(), "alpha", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "alpha:hi" {
		t.Errorf("Execute = %q, want %q", got, "alpha:hi")
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), "nope", "")
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Execute(nope) error = %v, want ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "nope" {
		t.Errorf("ToolName = %q, want nope", unavailable.ToolName)
	}
}

func TestRegistry_ExecuteBadJSON(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("alpha"))

	if _, err := r.Execute(context.Background(), "alpha", "{not json"); err == nil {
		t.Fatal("expected error for invalid JSON arguments")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(echoTool(fmt.Sprintf("tool_%d", i)))
		}()
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()

	if got := len(r.Names()); got != 20 {
		t.Errorf("len(Names()) = %d, want 20", got)
	}
}
