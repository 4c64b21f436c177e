package mcp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/thane-runtime/internal/connwatch"
	"github.com/nugget/thane-runtime/internal/events"
	"github.com/nugget/thane-runtime/internal/tools"
)

// OverrideServerName is the name given to the server launched from
// DiscoveryConfig.ServerCommand.
const OverrideServerName = "mcp"

// DiscoveryState is the coarse state of the manager's discovery passes.
type DiscoveryState string

// Discovery states. A pass moves NOT_STARTED or COMPLETED to
// IN_PROGRESS, then always ends in COMPLETED.
const (
	DiscoveryNotStarted DiscoveryState = "NOT_STARTED"
	DiscoveryInProgress DiscoveryState = "IN_PROGRESS"
	DiscoveryCompleted  DiscoveryState = "COMPLETED"
)

// ConnStatus is the lifecycle status of one server connection.
type ConnStatus string

// Connection statuses.
const (
	StatusConnecting   ConnStatus = "connecting"
	StatusDiscovering  ConnStatus = "discovering"
	StatusRegistered   ConnStatus = "registered"
	StatusFailed       ConnStatus = "failed"
	StatusDisconnected ConnStatus = "disconnected"
)

// ServerConfig describes how to reach one tool server.
type ServerConfig struct {
	Name string
	// Transport is "stdio" (default) or "http".
	Transport string
	Command   string
	Args      []string
	Env       []string
	Dir       string
	URL       string
	Headers   map[string]string
	// Include limits bridging to the named tools. When empty, every
	// tool not listed in Exclude is bridged.
	Include []string
	Exclude []string
	// Extension names the extension that contributed this server, if
	// any. Servers of disabled extensions are skipped.
	Extension string
}

// DiscoveryConfig is the input to one discovery pass.
type DiscoveryConfig struct {
	Servers []ServerConfig
	// ServerCommand, when set, adds a stdio server named "mcp" launched
	// from this shell-style command line. It replaces any configured
	// server of the same name.
	ServerCommand      string
	DisabledExtensions []string
}

// Connection is a snapshot of one server connection.
type Connection struct {
	Name   string       `json:"name"`
	Config ServerConfig `json:"-"`
	Status ConnStatus   `json:"status"`
	Tools  []string     `json:"tools,omitempty"`
	Error  string       `json:"error,omitempty"`
	Server ServerInfo   `json:"server,omitzero"`
}

// conn is the manager-owned connection record.
type conn struct {
	Connection
	pass   uint64
	client *Client
}

// TransportFactory builds the transport for a server.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (Transport, error)

// DefaultTransport builds a stdio or HTTP transport from cfg.
func DefaultTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", cfg.Name)
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: http transport requires a url", cfg.Name)
		}
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// Options configures a Manager.
type Options struct {
	// Registry receives bridged tools. Required.
	Registry *tools.Registry
	// Trusted reports whether the current workspace may start tool
	// servers. Nil means always trusted.
	Trusted func() bool
	// Transport defaults to DefaultTransport.
	Transport TransportFactory
	// Notifier receives discovery_update, server_error and
	// server_registered events. Optional.
	Notifier events.Notifier
	// Health, when set, probes registered servers with ping and flips
	// their status between registered and disconnected.
	Health        *connwatch.Manager
	HealthBackoff connwatch.BackoffConfig
	// ConnectTimeout bounds initialize plus tools/list for one server.
	// Default 30s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Manager supervises the tool-server connections of the runtime.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// passMu serializes the synchronous part of DiscoverAll and Stop.
	passMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*conn
	state DiscoveryState
	// pass increases on every discovery start and every teardown;
	// connection goroutines of an older pass clean up after themselves.
	pass uint64
	// latest is the pass of the most recent DiscoverAll. Only that
	// pass moves the state to COMPLETED; a Stop in between does not
	// keep it from doing so.
	latest uint64
	done   chan struct{}
}

// NewManager creates a manager with no connections.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = DefaultTransport
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With("component", "mcp"),
		conns:  make(map[string]*conn),
		state:  DiscoveryNotStarted,
	}
}

// DiscoveryState returns the current discovery state.
func (m *Manager) DiscoveryState() DiscoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connections returns a snapshot of every connection, sorted by name.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		snap := c.Connection
		snap.Tools = slices.Clone(c.Tools)
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b Connection) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// WaitDiscovery blocks until the current discovery pass completes or
// ctx ends. It returns immediately when no pass has started.
func (m *Manager) WaitDiscovery(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DiscoverAll runs a discovery pass. Existing connections are torn down
// first, before the server list is resolved, so a bad config leaves no
// stale servers running. Each server is connected, initialized and
// bridged in its own goroutine; a failure is logged and published as
// server_error without affecting the other servers. With background set, DiscoverAll returns
// once the work is scheduled and the state becomes COMPLETED when every
// server has settled. An untrusted workspace makes it a no-op.
func (m *Manager) DiscoverAll(ctx context.Context, cfg DiscoveryConfig, background bool) error {
	if m.opts.Trusted != nil && !m.opts.Trusted() {
		m.logger.Info("workspace not trusted, skipping tool server discovery")
		return nil
	}

	m.passMu.Lock()
	_ = m.stopLocked(ctx)

	servers, err := resolveServers(cfg)
	if err != nil {
		m.passMu.Unlock()
		return err
	}

	m.mu.Lock()
	m.pass++
	pass := m.pass
	m.latest = pass
	done := make(chan struct{})
	m.done = done
	m.state = DiscoveryInProgress
	m.mu.Unlock()
	m.passMu.Unlock()

	m.logger.Info("tool server discovery started", "servers", len(servers), "background", background)
	m.publish(events.KindDiscoveryUpdate, map[string]any{"state": string(DiscoveryInProgress)})

	if background {
		ctx = context.WithoutCancel(ctx)
	}

	var wg sync.WaitGroup
	for _, sc := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.discoverServer(ctx, pass, sc)
		}()
	}

	finish := func() {
		m.mu.Lock()
		current := m.latest == pass
		if current {
			m.state = DiscoveryCompleted
		}
		m.mu.Unlock()
		close(done)
		if current {
			m.logger.Info("tool server discovery completed", "servers", len(servers))
			m.publish(events.KindDiscoveryUpdate, map[string]any{"state": string(DiscoveryCompleted)})
		}
	}

	if background {
		go func() {
			defer finish()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("tool server discovery panicked", "panic", r)
				}
			}()
			wg.Wait()
		}()
		return nil
	}

	wg.Wait()
	finish()
	return nil
}

// Stop disconnects every connection concurrently and unregisters their
// tools. Disconnect failures are logged and returned joined; the
// connection set is always emptied. Stop on an empty manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, *c)
	}
	clear(m.conns)
	// Goroutines from an earlier pass see a newer pass and clean up
	// after themselves.
	m.pass++
	m.mu.Unlock()

	if len(conns) == 0 {
		return nil
	}

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.disconnect(c)
		}()
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		m.logger.Warn("stop interrupted before all tool servers disconnected", "error", ctx.Err())
		return ctx.Err()
	}

	m.logger.Info("tool servers stopped", "count", len(conns))
	m.publish(events.KindDiscoveryUpdate, map[string]any{"state": string(m.DiscoveryState()), "stopped": len(conns)})
	return errors.Join(errs...)
}

func (m *Manager) disconnect(c conn) error {
	if m.opts.Health != nil {
		m.opts.Health.Unwatch(healthName(c.Name))
	}
	UnbridgeTools(m.opts.Registry, c.Tools)
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		m.logger.Warn("tool server disconnect failed", "mcp_server", c.Name, "error", err)
		return fmt.Errorf("disconnect %s: %w", c.Name, err)
	}
	return nil
}

// discoverServer connects one server and bridges its tools. Every
// outcome, including a panic, is recorded on the connection.
func (m *Manager) discoverServer(ctx context.Context, pass uint64, sc ServerConfig) {
	logger := m.logger.With("mcp_server", sc.Name)
	c := &conn{
		Connection: Connection{Name: sc.Name, Config: sc, Status: StatusConnecting},
		pass:       pass,
	}

	m.mu.Lock()
	if m.pass != pass {
		m.mu.Unlock()
		return
	}
	m.conns[sc.Name] = c
	m.mu.Unlock()
	m.publishStatus(c.Name, StatusConnecting)

	defer func() {
		if r := recover(); r != nil {
			m.fail(logger, c, fmt.Errorf("panic during discovery: %v", r))
		}
	}()

	transport, err := m.opts.Transport(sc, logger)
	if err != nil {
		m.fail(logger, c, err)
		return
	}
	client := NewClient(sc.Name, transport, m.logger)

	m.mu.Lock()
	c.client = client
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := client.Initialize(cctx); err != nil {
		m.fail(logger, c, fmt.Errorf("initialize: %w", err))
		return
	}
	if !m.setStatus(c, StatusDiscovering) {
		_ = client.Close()
		return
	}

	names, err := BridgeTools(cctx, client, sc.Name, m.opts.Registry, sc.Include, sc.Exclude, logger)
	if err != nil {
		m.fail(logger, c, err)
		return
	}

	m.mu.Lock()
	stale := m.pass != c.pass
	if !stale {
		c.Tools = names
		c.Status = StatusRegistered
		c.Server = client.ServerInfo()
	}
	m.mu.Unlock()
	if stale {
		UnbridgeTools(m.opts.Registry, names)
		_ = client.Close()
		return
	}

	logger.Info("tool server registered", "tools", len(names), "server_version", client.ServerInfo().Version)
	m.publish(events.KindServerRegistered, map[string]any{"server": sc.Name, "tools": len(names)})
	m.publishStatus(c.Name, StatusRegistered)
	m.watch(ctx, c, client)
}

// setStatus updates c when it still belongs to the current pass.
func (m *Manager) setStatus(c *conn, status ConnStatus) bool {
	m.mu.Lock()
	ok := m.pass == c.pass
	if ok {
		c.Status = status
	}
	m.mu.Unlock()
	if ok {
		m.publishStatus(c.Name, status)
	}
	return ok
}

func (m *Manager) fail(logger *slog.Logger, c *conn, err error) {
	m.mu.Lock()
	current := m.pass == c.pass
	c.Status = StatusFailed
	c.Error = err.Error()
	client := c.client
	m.mu.Unlock()

	if client != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Debug("close after failure", "error", cerr)
		}
	}
	if !current {
		return
	}
	logger.Error("tool server discovery failed", "error", err)
	m.publish(events.KindServerError, map[string]any{"server": c.Name, "error": err.Error()})
	m.publishStatus(c.Name, StatusFailed)
}

func (m *Manager) watch(ctx context.Context, c *conn, client *Client) {
	if m.opts.Health == nil {
		return
	}
	m.opts.Health.Watch(ctx, connwatch.WatcherConfig{
		Name:    healthName(c.Name),
		Probe:   client.Ping,
		Backoff: m.opts.HealthBackoff,
		OnDown: func(err error) {
			m.mu.Lock()
			c.Status = StatusDisconnected
			c.Error = err.Error()
			m.mu.Unlock()
			m.publishStatus(c.Name, StatusDisconnected)
		},
		OnReady: func() {
			m.mu.Lock()
			c.Status = StatusRegistered
			c.Error = ""
			m.mu.Unlock()
			m.publishStatus(c.Name, StatusRegistered)
		},
		Logger: m.logger,
	})
}

func healthName(server string) string {
	return "mcp-" + server
}

func (m *Manager) publish(kind string, data map[string]any) {
	events.Emit(m.opts.Notifier, events.SourceMCP, kind, data)
}

func (m *Manager) publishStatus(server string, status ConnStatus) {
	m.publish(events.KindDiscoveryUpdate, map[string]any{
		"state":  string(m.DiscoveryState()),
		"server": server,
		"status": string(status),
	})
}

// resolveServers merges the configured servers with the command-line
// override and drops servers of disabled extensions. Later entries
// replace earlier ones with the same name.
func resolveServers(cfg DiscoveryConfig) ([]ServerConfig, error) {
	disabled := toSet(cfg.DisabledExtensions)

	var out []ServerConfig
	index := make(map[string]int)
	add := func(sc ServerConfig) {
		if i, ok := index[sc.Name]; ok {
			out[i] = sc
			return
		}
		index[sc.Name] = len(out)
		out = append(out, sc)
	}

	for _, sc := range cfg.Servers {
		if sc.Name == "" {
			return nil, errors.New("tool server config missing name")
		}
		if sc.Extension != "" && disabled[sc.Extension] {
			continue
		}
		add(sc)
	}

	if cfg.ServerCommand != "" {
		words, err := SplitCommand(cfg.ServerCommand)
		if err != nil {
			return nil, fmt.Errorf("server command: %w", err)
		}
		if len(words) == 0 {
			return nil, errors.New("server command is empty")
		}
		add(ServerConfig{
			Name:      OverrideServerName,
			Transport: TransportStdio,
			Command:   words[0],
			Args:      words[1:],
		})
	}
	return out, nil
}
