// Package connwatch keeps an eye on tool servers after they have been
// registered. A discovery pass proves a server was reachable once;
// connwatch keeps probing it so the MCP manager can mark a connection
// disconnected when its process dies or its endpoint goes away, and
// registered again when it answers.
//
// Each Watcher starts out assuming the service is up. It probes on a
// fixed interval while healthy. After a failed probe it switches to
// exponential backoff (1s, 2s, 4s, ... capped at 30s) until the
// service answers again.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// PollInterval is the delay between probes while healthy (default 30s).
	PollInterval time.Duration

	// InitialDelay is the first retry delay after a failure (default 1s).
	InitialDelay time.Duration

	// MaxDelay caps retry growth (default 30s).
	MaxDelay time.Duration

	// Multiplier scales the retry delay after each failure (default 2.0).
	Multiplier float64

	// ProbeTimeout bounds each probe call (default 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the timing used for tool servers.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		PollInterval: 30 * time.Second,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "mcp-github").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnDown runs when a healthy service fails a probe. Called from
	// the watcher goroutine, so it must not block for long or stop
	// its own watcher. Optional.
	OnDown func(err error)

	// OnReady runs when a failed service answers again. Called from
	// the watcher goroutine; must not block for long. Optional.
	OnReady func()

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"failures,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	delay := cfg.PollInterval

	for {
		if !sleepCtx(ctx, delay) {
			return
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		wasReady := w.ready.Load()
		failures := w.record(err)

		switch {
		case err == nil && wasReady:
			delay = cfg.PollInterval
		case err == nil:
			w.ready.Store(true)
			delay = cfg.PollInterval
			logger.Info("service recovered", "service", w.config.Name)
			if w.config.OnReady != nil {
				w.config.OnReady()
			}
		case wasReady:
			w.ready.Store(false)
			delay = cfg.InitialDelay
			logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				w.config.OnDown(err)
			}
		default:
			delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"failures", failures,
				"next_delay", delay.String(),
				"error", err,
			)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores a probe outcome and returns the consecutive failure count.
func (w *Watcher) record(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty watcher set.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher for cfg.Name, replacing and stopping any
// existing watcher with the same name. It runs until ctx is cancelled,
// Unwatch is called for its name, or the manager is stopped.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the named watcher. It reports whether one
// was running.
func (m *Manager) Unwatch(name string) bool {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if ok {
		w.Stop()
	}
	return ok
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	clear(m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
