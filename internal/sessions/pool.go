// Package sessions keeps one model client per conversation session.
//
// The Pool creates clients on first use, restores their history,
// evicts them after a period of inactivity and saves them on the way
// out. Each entry's idle timer only sends a message to the pool's own
// loop goroutine; entries never reference the pool, and the loop
// ignores timer messages that an access has since superseded.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/thane-runtime/internal/events"
)

// DefaultIdleTimeout is how long a session may go unused before its
// client is saved and released.
const DefaultIdleTimeout = 15 * time.Minute

// Release reasons reported in session_released events.
const (
	ReasonReleased = "released"
	ReasonIdle     = "idle"
	ReasonCleared  = "cleared"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("session pool closed")

// Client is the model client owned by one session.
type Client interface {
	// Initialize prepares the client for use. It is called once,
	// before the toolset is bound.
	Initialize(ctx context.Context) error
	// SetTools binds the function-calling tool definitions.
	SetTools(defs []map[string]any)
}

// Factory creates a new, uninitialized client for a session.
type Factory func(ctx context.Context, id string) (Client, error)

// SaveFunc persists a session's client state.
type SaveFunc func(ctx context.Context, id string, c Client) error

// RestoreFunc loads persisted state into a fresh client and returns
// how many messages it restored.
type RestoreFunc func(ctx context.Context, id string, c Client) (int, error)

// ToolLister supplies the current toolset. *tools.Registry implements it.
type ToolLister interface {
	List() []map[string]any
}

// Config configures a Pool.
type Config struct {
	// Factory creates clients. Required.
	Factory Factory
	// Tools, when set, is bound to every new client.
	Tools   ToolLister
	Save    SaveFunc
	Restore RestoreFunc
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
	// SaveTimeout bounds the save that precedes an idle eviction.
	// Default 30s.
	SaveTimeout time.Duration
	// CreateTimeout bounds one shared client creation. Default 2m.
	CreateTimeout time.Duration
	Notifier    events.Notifier
	Logger      *slog.Logger
}

// Stats is a read-only view of the pool.
type Stats struct {
	TotalClients   int      `json:"totalClients"`
	ActiveSessions []string `json:"activeSessions"`
}

type entry struct {
	id     string
	client Client
	timer  *time.Timer
	// gen increases on every access; a timer message carrying an
	// older generation is stale.
	gen uint64
}

type expiry struct {
	id  string
	gen uint64
}

// Pool owns the live clients, keyed by session id. It is safe for
// concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.Mutex
	entries   map[string]*entry
	releasing map[string]chan struct{}
	closed    bool

	expired   chan expiry
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPool creates a pool and starts its eviction loop. Call Close to
// save every session and stop the loop.
func NewPool(cfg Config) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:       cfg,
		logger:    logger.With("component", "sessions"),
		entries:   make(map[string]*entry),
		releasing: make(map[string]chan struct{}),
		expired:   make(chan expiry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// GetOrCreate returns the session's client, creating, initializing and
// restoring one if the session has none. Concurrent calls for the same
// id share a single creation. The creation runs detached from the
// caller that started it, bounded by CreateTimeout, so one caller
// giving up does not fail the others; ctx only ends this caller's wait.
func (p *Pool) GetOrCreate(ctx context.Context, id string) (Client, error) {
	if c, ok := p.Get(id); ok {
		return c, nil
	}

	ch := p.group.DoChan(id, func() (any, error) {
		if c, ok := p.Get(id); ok {
			return c, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CreateTimeout)
		defer cancel()
		return p.create(cctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Client), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (p *Pool) create(ctx context.Context, id string) (Client, error) {
	if p.cfg.Factory == nil {
		return nil, errors.New("session pool has no client factory")
	}

	// A release still saving this session must land before the new
	// client restores from the store.
	if err := p.waitReleased(ctx, id); err != nil {
		return nil, err
	}

	client, err := p.cfg.Factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create client for session %s: %w", id, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize client for session %s: %w", id, err)
	}
	if p.cfg.Tools != nil {
		client.SetTools(p.cfg.Tools.List())
	}
	p.publish(events.KindSessionCreated, map[string]any{"session_id": id})

	if p.cfg.Restore != nil {
		n, err := p.cfg.Restore(ctx, id, client)
		switch {
		case err != nil:
			p.logger.Warn("session history restore failed, starting fresh", "session_id", id, "error", err)
		case n > 0:
			p.logger.Debug("session history restored", "session_id", id, "messages", n)
			p.publish(events.KindSessionRestored, map[string]any{"session_id": id, "messages": n})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	e := &entry{id: id, client: client}
	p.arm(e)
	p.entries[id] = e

	p.logger.Info("session client created", "session_id", id)
	return client, nil
}

// Get returns the session's client without creating one. A hit counts
// as an access and restarts the idle timer.
func (p *Pool) Get(id string) (Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	p.arm(e)
	return e.client, true
}

// Has reports whether the session has a live client. It does not count
// as an access.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Save persists the session's client now. It is a no-op for an absent
// session.
func (p *Pool) Save(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.save(ctx, e)
}

// Release saves the session's client, stops its timer and removes it.
// A save failure is logged and published, not returned. Releasing an
// absent session is a no-op; a call that races an in-flight release of
// the same id waits for it instead of saving again.
func (p *Pool) Release(ctx context.Context, id string) {
	p.release(ctx, id, 0, ReasonReleased)
}

// release removes the entry when gen is zero or still matches.
func (p *Pool) release(ctx context.Context, id string, gen uint64, reason string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || (gen != 0 && e.gen != gen) {
		wait := p.releasing[id]
		p.mu.Unlock()
		if wait != nil && gen == 0 {
			select {
			case <-wait:
			case <-ctx.Done():
			}
		}
		return
	}
	delete(p.entries, id)
	e.timer.Stop()
	done := make(chan struct{})
	p.releasing[id] = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.releasing, id)
		p.mu.Unlock()
		close(done)
	}()

	if err := p.save(ctx, e); err != nil {
		p.logger.Warn("session save failed during release", "session_id", id, "reason", reason, "error", err)
	}
	p.logger.Info("session client released", "session_id", id, "reason", reason)
	p.publish(events.KindSessionReleased, map[string]any{"session_id": id, "reason": reason})
}

// Clear saves every session concurrently and removes them all. Every
// save is attempted; the failures are returned joined and the pool is
// empty afterwards regardless.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	waits := make([]chan struct{}, 0, len(p.entries))
	for id, e := range p.entries {
		e.timer.Stop()
		entries = append(entries, e)
		done := make(chan struct{})
		p.releasing[id] = done
		waits = append(waits, done)
	}
	clear(p.entries)
	p.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	errs := make([]error, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.save(ctx, e); err != nil {
				errs[i] = fmt.Errorf("session %s: %w", e.id, err)
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	for i, e := range entries {
		delete(p.releasing, e.id)
		close(waits[i])
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.publish(events.KindSessionReleased, map[string]any{"session_id": e.id, "reason": ReasonCleared})
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("session pool cleared with save failures", "sessions", len(entries), "error", err)
	} else {
		p.logger.Info("session pool cleared", "sessions", len(entries))
	}
	return err
}

// Stats returns the number of live clients and their session ids.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return Stats{TotalClients: len(ids), ActiveSessions: ids}
}

// Close refuses new sessions, clears the pool and stops the eviction
// loop.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.Clear(ctx)
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	return err
}

// arm restarts e's idle timer under a new generation. Caller holds p.mu.
func (p *Pool) arm(e *entry) {
	e.gen++
	id, gen := e.id, e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		select {
		case p.expired <- expiry{id: id, gen: gen}:
		case <-p.stop:
		}
	})
}

func (p *Pool) loop() {
	defer close(p.done)
	for {
		select {
		case ex := <-p.expired:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SaveTimeout)
			p.release(ctx, ex.id, ex.gen, ReasonIdle)
			cancel()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) waitReleased(ctx context.Context, id string) error {
	p.mu.Lock()
	wait := p.releasing[id]
	p.mu.Unlock()
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) save(ctx context.Context, e *entry) error {
	if p.cfg.Save == nil {
		return nil
	}
	if err := p.cfg.Save(ctx, e.id, e.client); err != nil {
		p.publish(events.KindSessionSaveFailed, map[string]any{"session_id": e.id, "error": err.Error()})
		return err
	}
	return nil
}

func (p *Pool) publish(kind string, data map[string]any) {
	events.Emit(p.cfg.Notifier, events.SourceSessions, kind, data)
}
