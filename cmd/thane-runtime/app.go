package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/thane-runtime/internal/agent"
	"github.com/nugget/thane-runtime/internal/approval"
	"github.com/nugget/thane-runtime/internal/buildinfo"
	"github.com/nugget/thane-runtime/internal/codeexec"
	"github.com/nugget/thane-runtime/internal/config"
	"github.com/nugget/thane-runtime/internal/connwatch"
	"github.com/nugget/thane-runtime/internal/events"
	"github.com/nugget/thane-runtime/internal/llm"
	"github.com/nugget/thane-runtime/internal/mcp"
	"github.com/nugget/thane-runtime/internal/metrics"
	"github.com/nugget/thane-runtime/internal/mqtt"
	"github.com/nugget/thane-runtime/internal/process"
	"github.com/nugget/thane-runtime/internal/sessions"
	"github.com/nugget/thane-runtime/internal/tools"
	"github.com/nugget/thane-runtime/internal/workspace"
)

// app holds the wired runtime components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *events.Bus
	registry *tools.Registry
	trusted  atomic.Bool

	// reloadMu serializes config reloads.
	reloadMu sync.Mutex

	harness *codeexec.Harness
	health  *connwatch.Manager
	mcp     *mcp.Manager
	store   *sessions.Store
	pool    *sessions.Pool
}

// newApp builds every component from cfg. Prompts for script
// confirmation are read from in and written to out.
func newApp(cfg *config.Config, logger *slog.Logger, in *bufio.Reader, out io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.New(),
		registry: tools.NewRegistry(),
	}
	a.trusted.Store(cfg.Workspace.Trusted)

	h, err := newHarness(cfg, logger, a.bus, approval.NewTerminalPrompter(in, out))
	if err != nil {
		return nil, err
	}
	a.harness = h
	if cfg.CodeExec.Enabled {
		codeexec.RegisterPython(a.registry, h, codeexec.Callbacks{})
		logger.Info("code execution enabled", "tool", codeexec.PythonToolName, "python", cfg.CodeExec.Python)
	}

	a.health, a.mcp = newToolServers(cfg, a.registry, a.bus, a.trusted.Load, logger)

	if cfg.Sessions.HistoryDriver != "none" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := sessions.OpenStore(cfg.Sessions.HistoryDriver, filepath.Join(cfg.DataDir, "sessions.db"))
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	model := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Timeout: seconds(cfg.Model.TimeoutSec),
		Logger:  logger,
	})

	poolCfg := sessions.Config{
		Factory: agent.NewFactory(agent.Config{
			Client:        model,
			Model:         cfg.Model.Name,
			SystemPrompt:  cfg.Model.SystemPrompt,
			Tools:         a.registry,
			MaxIterations: cfg.Model.MaxIterations,
			Notifier:      a.bus,
			Logger:        logger,
		}),
		Tools:         a.registry,
		IdleTimeout:   seconds(cfg.Sessions.IdleTimeoutSec),
		SaveTimeout:   seconds(cfg.Sessions.SaveTimeoutSec),
		CreateTimeout: seconds(cfg.Sessions.CreateTimeoutSec),
		Notifier:      a.bus,
		Logger:        logger,
	}
	if a.store != nil {
		poolCfg.Save = a.store.SaveClient
		poolCfg.Restore = a.store.RestoreClient
	}
	a.pool = sessions.NewPool(poolCfg)
	return a, nil
}

// newBoundary builds the workspace boundary from cfg.
func newBoundary(cfg *config.Config) (*workspace.Boundary, error) {
	b, err := workspace.New(cfg.Workspace.Roots, cfg.Workspace.Trusted)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return b, nil
}

// newHarness builds the code execution harness and its runner.
func newHarness(cfg *config.Config, logger *slog.Logger, n events.Notifier, prompter approval.Prompter) (*codeexec.Harness, error) {
	boundary, err := newBoundary(cfg)
	if err != nil {
		return nil, err
	}
	runner := process.NewRunner(process.Config{
		MaxOutputBytes: cfg.CodeExec.MaxOutputBytes,
		Logger:         logger,
	})
	return codeexec.New(codeexec.Config{
		Python:     cfg.CodeExec.Python,
		TempDir:    cfg.CodeExec.TempDir,
		DefaultDir: cfg.Workspace.DefaultDir,
		Timeout:    seconds(cfg.CodeExec.TimeoutSec),
		Confirm:    cfg.CodeExec.Confirm,
	}, runner, boundary, logger,
		codeexec.WithNotifier(n),
		codeexec.WithPrompter(prompter),
	), nil
}

// newToolServers builds the tool-server manager and, when health
// checks are on, the liveness monitor it reports to.
func newToolServers(cfg *config.Config, reg *tools.Registry, n events.Notifier, trusted func() bool, logger *slog.Logger) (*connwatch.Manager, *mcp.Manager) {
	var health *connwatch.Manager
	if cfg.MCP.HealthCheck {
		health = connwatch.NewManager(logger)
	}
	return health, mcp.NewManager(mcp.Options{
		Registry:       reg,
		Trusted:        trusted,
		Notifier:       n,
		Health:         health,
		ConnectTimeout: seconds(cfg.MCP.ConnectTimeoutSec),
		Logger:         logger,
	})
}

// discoveryConfig converts the mcp config section.
func discoveryConfig(c config.MCPConfig) mcp.DiscoveryConfig {
	dc := mcp.DiscoveryConfig{
		ServerCommand:      c.ServerCommand,
		DisabledExtensions: c.DisabledExtensions,
	}
	for _, s := range c.Servers {
		dc.Servers = append(dc.Servers, mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			Dir:       s.Dir,
			URL:       s.URL,
			Headers:   s.Headers,
			Include:   s.IncludeTools,
			Exclude:   s.ExcludeTools,
			Extension: s.Extension,
		})
	}
	return dc
}

// startBackground launches the optional event consumers (metrics and
// MQTT) and the config watcher. They stop when ctx is cancelled.
func (a *app) startBackground(ctx context.Context, cfgPath string) {
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg, metrics.Sources{
			ActiveSessions:      func() int { return a.pool.Stats().TotalClients },
			ToolServers:         a.registeredServers,
			DiscoveryInProgress: func() bool { return a.mcp.DiscoveryState() == mcp.DiscoveryInProgress },
		}, a.logger)
		ch := a.bus.Subscribe(256)
		go func() {
			defer a.bus.Unsubscribe(ch)
			m.Run(ctx, ch)
		}()
		go func() {
			if err := m.Serve(ctx, a.cfg.Metrics.Listen, a.cfg.Metrics.Path, reg); err != nil {
				a.logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if a.cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
		if err != nil {
			a.logger.Error("mqtt disabled: instance id unavailable", "error", err)
		} else {
			pub := mqtt.New(a.cfg.MQTT, instanceID, &statsAdapter{a: a}, a.logger)
			ch := a.bus.Subscribe(256)
			go func() {
				defer a.bus.Unsubscribe(ch)
				if err := pub.Start(ctx, ch); err != nil {
					a.logger.Error("mqtt bridge failed", "error", err)
					return
				}
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := pub.Stop(stopCtx); err != nil {
					a.logger.Debug("mqtt disconnect", "error", err)
				}
			}()
			a.logger.Info("mqtt bridge enabled", "broker", a.cfg.MQTT.Broker, "device_name", a.cfg.MQTT.DeviceName)
		}
	}

	if cfgPath != "" {
		w, err := config.Watch(ctx, cfgPath, 0, func(next *config.Config) { a.reload(ctx, next) }, a.logger)
		if err != nil {
			a.logger.Warn("config watch unavailable", "error", err)
			return
		}
		go func() {
			<-ctx.Done()
			w.Close()
		}()
	}
}

// reload applies a changed config file. Tool servers are rediscovered
// when their section or the workspace trust changed; other sections
// take effect on restart.
func (a *app) reload(ctx context.Context, next *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	wasTrusted := a.trusted.Swap(next.Workspace.Trusted)
	if reflect.DeepEqual(a.cfg.MCP, next.MCP) && wasTrusted == next.Workspace.Trusted {
		a.logger.Info("config changed, tool servers unaffected")
		return
	}
	a.cfg.MCP = next.MCP
	a.cfg.Workspace.Trusted = next.Workspace.Trusted
	a.logger.Info("config changed, rediscovering tool servers")
	if err := a.mcp.DiscoverAll(ctx, discoveryConfig(next.MCP), true); err != nil {
		a.logger.Warn("tool server rediscovery skipped", "error", err)
	}
}

func (a *app) registeredServers() int {
	n := 0
	for _, c := range a.mcp.Connections() {
		if c.Status == mcp.StatusRegistered {
			n++
		}
	}
	return n
}

// Close saves every session and stops every tool server. All steps are
// attempted; the failures are returned joined.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session pool: %w", err))
	}
	if err := a.mcp.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop tool servers: %w", err))
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// statsAdapter satisfies mqtt.StatsSource.
type statsAdapter struct {
	a *app
}

func (s *statsAdapter) Uptime() time.Duration  { return buildinfo.Uptime() }
func (s *statsAdapter) Version() string        { return buildinfo.Version }
func (s *statsAdapter) ActiveSessions() int    { return s.a.pool.Stats().TotalClients }
func (s *statsAdapter) ToolServers() int       { return s.a.registeredServers() }
func (s *statsAdapter) DiscoveryState() string { return string(s.a.mcp.DiscoveryState()) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
