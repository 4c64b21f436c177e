package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log_level: info\n")
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "model:\n  api_key: ${THANE_RUNTIME_TEST_KEY}\n")
	t.Setenv("THANE_RUNTIME_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Model.APIKey, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
mcp:
  servers:
    - name: files
      command: mcp-files
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"log_level", cfg.LogLevel, "info"},
		{"log_format", cfg.LogFormat, "text"},
		{"idle_timeout_sec", cfg.Sessions.IdleTimeoutSec, 900},
		{"create_timeout_sec", cfg.Sessions.CreateTimeoutSec, 120},
		{"history_driver", cfg.Sessions.HistoryDriver, "sqlite3"},
		{"python", cfg.CodeExec.Python, "python3"},
		{"connect_timeout_sec", cfg.MCP.ConnectTimeoutSec, 30},
		{"server transport", cfg.MCP.Servers[0].Transport, "stdio"},
		{"metrics path", cfg.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
log_level: debug
log_format: json
workspace:
  roots: [/srv/work, /srv/shared]
  trusted: true
code_exec:
  enabled: true
  timeout_sec: 60
mcp:
  server_command: "npx -y @acme/server --root '/srv/work'"
  disabled_extensions: [legacy]
  servers:
    - name: search
      transport: http
      url: http://localhost:9000/mcp
      headers:
        Authorization: Bearer x
      include_tools: [query]
mqtt:
  broker: mqtt://broker:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Workspace.Roots) != 2 || !cfg.Workspace.Trusted {
		t.Errorf("workspace = %+v", cfg.Workspace)
	}
	if cfg.CodeExec.TimeoutSec != 60 {
		t.Errorf("timeout_sec = %d", cfg.CodeExec.TimeoutSec)
	}
	s := cfg.MCP.Servers[0]
	if s.Transport != "http" || s.Headers["Authorization"] != "Bearer x" || s.IncludeTools[0] != "query" {
		t.Errorf("server = %+v", s)
	}
	if !cfg.MQTT.Configured() || cfg.MQTT.DeviceName != "thane-runtime" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"bad driver", "sessions:\n  history_driver: postgres\n", "history_driver"},
		{"unnamed server", "mcp:\n  servers:\n    - command: x\n", "name is required"},
		{"stdio without command", "mcp:\n  servers:\n    - name: a\n", "command is required"},
		{"http without url", "mcp:\n  servers:\n    - name: a\n      transport: http\n", "url is required"},
		{"unknown transport", "mcp:\n  servers:\n    - name: a\n      transport: ws\n", "unknown transport"},
		{"bad env", "mcp:\n  servers:\n    - name: a\n      command: x\n      env: [NOEQUALS]\n", "KEY=value"},
		{"not yaml", "log_level: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	cfg.Sessions.HistoryDriver = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_format", "history_driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"code_exec", "mcp", "history_driver", "server_command"} {
		if !strings.Contains(string(raw), `"`+key+`"`) {
			t.Errorf("schema missing %q", key)
		}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	changes := make(chan *Config, 4)
	w, err := Watch(context.Background(), path, 20*time.Millisecond, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeConfig(t, dir, "log_level: debug\n")

	select {
	case c := <-changes:
		if c.LogLevel != "debug" {
			t.Errorf("reloaded log_level = %q, want debug", c.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatch_InvalidFileKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	changes := make(chan *Config, 4)
	w, err := Watch(context.Background(), path, 20*time.Millisecond, func(c *Config) { changes <- c }, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeConfig(t, dir, "log_level: loud\n")
	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		t.Errorf("unexpected reload: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}
