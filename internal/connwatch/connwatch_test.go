package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		PollInterval: 2 * time.Millisecond,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %v, want 5s", cfg.ProbeTimeout)
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{PollInterval: time.Minute}.withDefaults()
	if got.PollInterval != time.Minute {
		t.Errorf("PollInterval overwritten: %v", got.PollInterval)
	}
	if got.Multiplier != 2.0 || got.ProbeTimeout != 5*time.Second {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_StartsReady(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default())
	defer m.Stop()

	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-ready",
		Probe:   func(context.Context) error { return nil },
		Backoff: BackoffConfig{PollInterval: time.Hour},
	})
	if !w.IsReady() {
		t.Error("IsReady() = false before any probe")
	}
}

func TestWatcher_DownThenRecover(t *testing.T) {
	t.Parallel()
	errDown := errors.New("server gone")
	var attempts atomic.Int32
	var downs, readies atomic.Int32

	// Healthy, then three failures, then healthy again.
	probe := func(context.Context) error {
		n := attempts.Add(1)
		if n >= 2 && n <= 4 {
			return errDown
		}
		return nil
	}

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-flaky",
		Probe:   probe,
		Backoff: testBackoff(),
		OnDown: func(err error) {
			if !errors.Is(err, errDown) {
				t.Errorf("OnDown err = %v", err)
			}
			downs.Add(1)
		},
		OnReady: func() { readies.Add(1) },
	})

	waitFor(t, func() bool { return readies.Load() == 1 })

	if !w.IsReady() {
		t.Error("IsReady() = false after recovery")
	}
	if downs.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", downs.Load())
	}
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("Status after recovery = %+v", s)
	}
}

func TestWatcher_StatusTracksFailures(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-dead",
		Probe:   func(context.Context) error { return errors.New("refused") },
		Backoff: testBackoff(),
	})

	waitFor(t, func() bool { return w.Status().Failures >= 3 })

	s := w.Status()
	if s.Ready {
		t.Error("Ready = true for a failing service")
	}
	if s.LastError != "refused" {
		t.Errorf("LastError = %q, want refused", s.LastError)
	}
	if s.LastCheck.IsZero() {
		t.Error("LastCheck not set")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()

	backoff := testBackoff()
	backoff.ProbeTimeout = 5 * time.Millisecond
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "mcp-slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: backoff,
	})

	waitFor(t, func() bool { return !w.IsReady() })
}

func TestManager_WatchReplacesSameName(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()

	first := m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-a",
		Probe:   func(context.Context) error { return nil },
		Backoff: BackoffConfig{PollInterval: time.Hour},
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-a",
		Probe:   func(context.Context) error { return nil },
		Backoff: BackoffConfig{PollInterval: time.Hour},
	})

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("len(Status()) = %d, want 1", n)
	}
}

func TestManager_Unwatch(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "mcp-b",
		Probe:   func(context.Context) error { return nil },
		Backoff: BackoffConfig{PollInterval: time.Hour},
	})

	if !m.Unwatch("mcp-b") {
		t.Error("Unwatch(mcp-b) = false, want true")
	}
	if m.Unwatch("mcp-b") {
		t.Error("second Unwatch(mcp-b) = true, want false")
	}
	select {
	case <-w.done:
	default:
		t.Error("watcher goroutine still running after Unwatch")
	}
	if len(m.Status()) != 0 {
		t.Errorf("Status() = %v, want empty", m.Status())
	}
}

func TestManager_StopAll(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	var ws []*Watcher
	for _, name := range []string{"mcp-x", "mcp-y", "mcp-z"} {
		ws = append(ws, m.Watch(context.Background(), WatcherConfig{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		}))
	}

	m.Stop()
	for _, w := range ws {
		select {
		case <-w.done:
		default:
			t.Errorf("watcher %s still running after Stop", w.config.Name)
		}
	}
	if len(m.Status()) != 0 {
		t.Error("Status() not empty after Stop")
	}
}

func TestManager_ContextCancelStopsWatcher(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil)

	w := m.Watch(ctx, WatcherConfig{
		Name:    "mcp-ctx",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after context cancel")
	}
}

func TestManager_WatchPanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewManager(nil).Watch(context.Background(), tt.cfg)
		})
	}
}
