package mcp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-runtime/internal/connwatch"
	"github.com/nugget/thane-runtime/internal/events"
	"github.com/nugget/thane-runtime/internal/tools"
)

// eventRecorder captures published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds(kind string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// fakeServers hands out one mock transport per server name.
type fakeServers struct {
	mu         sync.Mutex
	transports map[string]*mockTransport
	calls      []string
	hook       func(cfg ServerConfig) error
}

func newFakeServers(names ...string) *fakeServers {
	f := &fakeServers{transports: make(map[string]*mockTransport)}
	for _, n := range names {
		mt := newMockTransport()
		mt.addServer(n, "alpha", "beta")
		mt.addResponse("ping", map[string]any{})
		f.transports[n] = mt
	}
	return f
}

func (f *fakeServers) factory(cfg ServerConfig, _ *slog.Logger) (Transport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg.Name)
	hook := f.hook
	mt, ok := f.transports[cfg.Name]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(cfg); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, errors.New("no such server")
	}
	return mt, nil
}

func (f *fakeServers) get(name string) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[name]
}

func (f *fakeServers) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func serverConfigs(names ...string) DiscoveryConfig {
	var cfg DiscoveryConfig
	for _, n := range names {
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: n, Command: n})
	}
	return cfg
}

func statusByName(conns []Connection) map[string]ConnStatus {
	out := make(map[string]ConnStatus, len(conns))
	for _, c := range conns {
		out[c.Name] = c.Status
	}
	return out
}

func TestManager_OneServerFailing(t *testing.T) {
	servers := newFakeServers("files", "search", "broken")
	servers.get("broken").sendErr = errors.New("connection refused")

	rec := &eventRecorder{}
	reg := tools.NewRegistry()
	m := NewManager(Options{Registry: reg, Transport: servers.factory, Notifier: rec})

	if err := m.DiscoverAll(context.Background(), serverConfigs("files", "search", "broken"), false); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}

	if got := m.DiscoveryState(); got != DiscoveryCompleted {
		t.Errorf("state = %s, want %s", got, DiscoveryCompleted)
	}

	status := statusByName(m.Connections())
	want := map[string]ConnStatus{
		"files":  StatusRegistered,
		"search": StatusRegistered,
		"broken": StatusFailed,
	}
	for name, s := range want {
		if status[name] != s {
			t.Errorf("%s status = %q, want %q", name, status[name], s)
		}
	}

	wantTools := []string{
		"mcp_files_alpha", "mcp_files_beta",
		"mcp_search_alpha", "mcp_search_beta",
	}
	if !slices.Equal(reg.Names(), wantTools) {
		t.Errorf("registry = %v, want %v", reg.Names(), wantTools)
	}

	errs := rec.kinds(events.KindServerError)
	if len(errs) != 1 || errs[0].Data["server"] != "broken" {
		t.Errorf("server_error events = %+v, want one for broken", errs)
	}
	if !servers.get("broken").isClosed() {
		t.Error("failed server transport not closed")
	}
}

func TestManager_StopEmptyIsNoop(t *testing.T) {
	rec := &eventRecorder{}
	m := NewManager(Options{Notifier: rec})

	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %+v, want none", rec.events)
	}
	if got := m.DiscoveryState(); got != DiscoveryNotStarted {
		t.Errorf("state = %s, want %s", got, DiscoveryNotStarted)
	}
}

func TestManager_UntrustedWorkspace(t *testing.T) {
	servers := newFakeServers("files")
	m := NewManager(Options{
		Transport: servers.factory,
		Trusted:   func() bool { return false },
	})

	if err := m.DiscoverAll(context.Background(), serverConfigs("files"), false); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if got := m.DiscoveryState(); got != DiscoveryNotStarted {
		t.Errorf("state = %s, want %s", got, DiscoveryNotStarted)
	}
	if n := servers.callCount(); n != 0 {
		t.Errorf("transport factory called %d times, want 0", n)
	}
}

func TestManager_Background(t *testing.T) {
	servers := newFakeServers("slow")
	gate := make(chan struct{})
	servers.hook = func(ServerConfig) error {
		<-gate
		return nil
	}

	m := NewManager(Options{Transport: servers.factory})
	if err := m.DiscoverAll(context.Background(), serverConfigs("slow"), true); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if got := m.DiscoveryState(); got != DiscoveryInProgress {
		t.Errorf("state before settle = %s, want %s", got, DiscoveryInProgress)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitDiscovery(ctx); err != nil {
		t.Fatalf("WaitDiscovery: %v", err)
	}
	if got := m.DiscoveryState(); got != DiscoveryCompleted {
		t.Errorf("state = %s, want %s", got, DiscoveryCompleted)
	}
	if s := statusByName(m.Connections())["slow"]; s != StatusRegistered {
		t.Errorf("slow status = %q, want registered", s)
	}
}

func TestManager_StopDuringBackgroundStillCompletes(t *testing.T) {
	servers := newFakeServers("slow")
	gate := make(chan struct{})
	servers.hook = func(ServerConfig) error {
		<-gate
		return nil
	}

	m := NewManager(Options{Transport: servers.factory})
	if err := m.DiscoverAll(context.Background(), serverConfigs("slow"), true); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitDiscovery(ctx); err != nil {
		t.Fatalf("WaitDiscovery: %v", err)
	}
	if got := m.DiscoveryState(); got != DiscoveryCompleted {
		t.Errorf("state after Stop and settle = %s, want %s", got, DiscoveryCompleted)
	}
	if conns := m.Connections(); len(conns) != 0 {
		t.Errorf("connections after Stop = %+v, want none", conns)
	}
}

func TestManager_BackgroundSurvivesCallerCancel(t *testing.T) {
	servers := newFakeServers("files")
	m := NewManager(Options{Transport: servers.factory})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.DiscoverAll(ctx, serverConfigs("files"), true); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := m.WaitDiscovery(waitCtx); err != nil {
		t.Fatalf("WaitDiscovery: %v", err)
	}
	if s := statusByName(m.Connections())["files"]; s != StatusRegistered {
		t.Errorf("files status = %q, want registered", s)
	}
}

func TestManager_PanicStillCompletes(t *testing.T) {
	servers := newFakeServers("ok", "bad")
	servers.hook = func(cfg ServerConfig) error {
		if cfg.Name == "bad" {
			panic("factory exploded")
		}
		return nil
	}

	m := NewManager(Options{Transport: servers.factory})
	if err := m.DiscoverAll(context.Background(), serverConfigs("ok", "bad"), true); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitDiscovery(ctx); err != nil {
		t.Fatalf("WaitDiscovery: %v", err)
	}
	if got := m.DiscoveryState(); got != DiscoveryCompleted {
		t.Errorf("state = %s, want %s", got, DiscoveryCompleted)
	}
	status := statusByName(m.Connections())
	if status["ok"] != StatusRegistered || status["bad"] != StatusFailed {
		t.Errorf("status = %v", status)
	}
}

func TestManager_RediscoveryTearsDown(t *testing.T) {
	servers := newFakeServers("first", "second")
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "python_exec"})
	m := NewManager(Options{Registry: reg, Transport: servers.factory})

	ctx := context.Background()
	if err := m.DiscoverAll(ctx, serverConfigs("first"), false); err != nil {
		t.Fatalf("first DiscoverAll: %v", err)
	}
	if err := m.DiscoverAll(ctx, serverConfigs("second"), false); err != nil {
		t.Fatalf("second DiscoverAll: %v", err)
	}

	if !servers.get("first").isClosed() {
		t.Error("first server not disconnected by rediscovery")
	}
	conns := m.Connections()
	if len(conns) != 1 || conns[0].Name != "second" {
		t.Errorf("connections = %+v, want only second", conns)
	}
	want := []string{"mcp_second_alpha", "mcp_second_beta", "python_exec"}
	if !slices.Equal(reg.Names(), want) {
		t.Errorf("registry = %v, want %v", reg.Names(), want)
	}
}

func TestManager_BadConfigStillTearsDown(t *testing.T) {
	servers := newFakeServers("first")
	reg := tools.NewRegistry()
	m := NewManager(Options{Registry: reg, Transport: servers.factory})

	ctx := context.Background()
	if err := m.DiscoverAll(ctx, serverConfigs("first"), false); err != nil {
		t.Fatalf("first DiscoverAll: %v", err)
	}
	bad := DiscoveryConfig{Servers: []ServerConfig{{Command: "unnamed"}}}
	if err := m.DiscoverAll(ctx, bad, false); err == nil {
		t.Fatal("DiscoverAll with an unnamed server succeeded")
	}

	if !servers.get("first").isClosed() {
		t.Error("previous server still running after a rejected config")
	}
	if len(m.Connections()) != 0 || len(reg.Names()) != 0 {
		t.Errorf("connections = %+v, tools = %v, want none", m.Connections(), reg.Names())
	}
}

func TestManager_ClientLogsNameServerOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	servers := newFakeServers("files")
	m := NewManager(Options{Transport: servers.factory, Logger: logger})

	if err := m.DiscoverAll(context.Background(), serverConfigs("files"), false); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}

	lines := 0
	for line := range strings.Lines(buf.String()) {
		if n := strings.Count(line, "mcp_server=files"); n > 1 {
			t.Errorf("mcp_server repeated %d times: %s", n, line)
		}
		if strings.Contains(line, "tool server initialized") {
			lines++
		}
	}
	if lines != 1 {
		t.Errorf("initialized lines = %d, want 1:\n%s", lines, buf.String())
	}
}

func TestManager_Stop(t *testing.T) {
	servers := newFakeServers("a", "b")
	servers.get("b").closeErr = errors.New("already gone")
	reg := tools.NewRegistry()
	m := NewManager(Options{Registry: reg, Transport: servers.factory})

	if err := m.DiscoverAll(context.Background(), serverConfigs("a", "b"), false); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}

	err := m.Stop(context.Background())
	if err == nil {
		t.Error("Stop error = nil, want the disconnect failure of b")
	}
	if len(m.Connections()) != 0 {
		t.Errorf("connections not cleared: %+v", m.Connections())
	}
	if !servers.get("a").isClosed() || !servers.get("b").isClosed() {
		t.Error("not every transport was closed")
	}
	if len(reg.Names()) != 0 {
		t.Errorf("tools left registered: %v", reg.Names())
	}
}

func TestManager_HealthMarksDisconnected(t *testing.T) {
	servers := newFakeServers("files")
	health := connwatch.NewManager(nil)
	defer health.Stop()

	m := NewManager(Options{
		Transport: servers.factory,
		Health:    health,
		HealthBackoff: connwatch.BackoffConfig{
			PollInterval: 2 * time.Millisecond,
			InitialDelay: 2 * time.Millisecond,
			MaxDelay:     4 * time.Millisecond,
		},
	})
	if err := m.DiscoverAll(context.Background(), serverConfigs("files"), false); err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}

	mt := servers.get("files")
	mt.mu.Lock()
	mt.sendErr = errors.New("broken pipe")
	mt.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for statusByName(m.Connections())["files"] != StatusDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("connection never marked disconnected")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(health.Status()) != 0 {
		t.Errorf("health watchers left after Stop: %v", health.Status())
	}
}

func TestResolveServers(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DiscoveryConfig
		want    []string
		wantErr bool
	}{
		{
			name: "configured only",
			cfg:  serverConfigs("a", "b"),
			want: []string{"a", "b"},
		},
		{
			name: "disabled extension filtered",
			cfg: DiscoveryConfig{
				Servers: []ServerConfig{
					{Name: "a", Extension: "docs"},
					{Name: "b", Extension: "sheets"},
					{Name: "c"},
				},
				DisabledExtensions: []string{"docs"},
			},
			want: []string{"b", "c"},
		},
		{
			name: "override appended",
			cfg: DiscoveryConfig{
				Servers:       []ServerConfig{{Name: "a"}},
				ServerCommand: "npx -y @scope/server --root '/tmp/my dir'",
			},
			want: []string{"a", "mcp"},
		},
		{
			name: "override replaces same name",
			cfg: DiscoveryConfig{
				Servers:       []ServerConfig{{Name: "mcp", Command: "old"}, {Name: "b"}},
				ServerCommand: "new-server",
			},
			want: []string{"mcp", "b"},
		},
		{
			name:    "unterminated quote",
			cfg:     DiscoveryConfig{ServerCommand: `server "oops`},
			wantErr: true,
		},
		{
			name:    "missing name",
			cfg:     DiscoveryConfig{Servers: []ServerConfig{{Command: "x"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveServers(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveServers: %v", err)
			}
			var names []string
			for _, sc := range got {
				names = append(names, sc.Name)
			}
			if !slices.Equal(names, tt.want) {
				t.Errorf("names = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestResolveServers_OverrideCommand(t *testing.T) {
	got, err := resolveServers(DiscoveryConfig{ServerCommand: "npx -y @scope/server --root '/tmp/my dir'"})
	if err != nil {
		t.Fatalf("resolveServers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	sc := got[0]
	if sc.Command != "npx" || sc.Transport != TransportStdio {
		t.Errorf("server = %+v", sc)
	}
	wantArgs := []string{"-y", "@scope/server", "--root", "/tmp/my dir"}
	if !slices.Equal(sc.Args, wantArgs) {
		t.Errorf("args = %q, want %q", sc.Args, wantArgs)
	}
}

func TestDefaultTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio", ServerConfig{Name: "a", Command: "server"}, false},
		{"stdio missing command", ServerConfig{Name: "a"}, true},
		{"http", ServerConfig{Name: "a", Transport: "http", URL: "http://localhost:9000/mcp"}, false},
		{"http missing url", ServerConfig{Name: "a", Transport: "http"}, true},
		{"unknown", ServerConfig{Name: "a", Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := DefaultTransport(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tr == nil {
				t.Error("nil transport without error")
			}
		})
	}
}
