// Package metrics exports runtime activity as Prometheus metrics. The
// collector is fed from the event bus, so instrumented components only
// publish events and never touch Prometheus directly.
package metrics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nugget/thane-runtime/internal/events"
)

const namespace = "thane_runtime"

// Sources supplies point-in-time values exported as gauges. Nil
// functions are not registered.
type Sources struct {
	ActiveSessions func() int
	ToolServers    func() int
	// DiscoveryInProgress reports whether a discovery pass is running.
	DiscoveryInProgress func() bool
}

// Metrics holds the collectors fed by Observe.
type Metrics struct {
	// Executions counts harness runs.
	// Labels: tool, result (ok or the failure category)
	Executions *prometheus.CounterVec

	// ExecutionDuration measures harness runs in seconds.
	// Labels: tool
	ExecutionDuration *prometheus.HistogramVec

	// ExecStages counts progress events by stage.
	// Labels: stage
	ExecStages *prometheus.CounterVec

	// ToolCalls counts tool calls made by conversations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool calls in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// SessionsCreated counts new session clients.
	SessionsCreated prometheus.Counter

	// SessionsRestored counts clients that got persisted history.
	SessionsRestored prometheus.Counter

	// SessionsReleased counts sessions leaving the pool.
	// Labels: reason (released|idle|cleared)
	SessionsReleased *prometheus.CounterVec

	// SessionSaveFailures counts failed best-effort saves.
	SessionSaveFailures prometheus.Counter

	// ServerErrors counts tool-server connect and discovery failures.
	// Labels: server
	ServerErrors *prometheus.CounterVec

	// ServerRegistrations counts tool servers whose tools were bridged.
	// Labels: server
	ServerRegistrations *prometheus.CounterVec

	logger *slog.Logger
}

// New creates the collectors and registers them, plus gauges for src,
// with reg.
func New(reg prometheus.Registerer, src Sources, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	f := promauto.With(reg)
	m := &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Script executions by tool and result.",
		}, []string{"tool", "result"}),

		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of script executions in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"tool"}),

		ExecStages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_stage_events_total",
			Help:      "Execution progress events by stage.",
		}, []string{"stage"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls made by conversations, by tool and status.",
		}, []string{"tool", "status"}),

		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Session clients created.",
		}),

		SessionsRestored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_restored_total",
			Help:      "Session clients that received persisted history.",
		}),

		SessionsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Sessions removed from the pool, by reason.",
		}, []string{"reason"}),

		SessionSaveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_save_failures_total",
			Help:      "Failed session history saves.",
		}),

		ServerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_server_errors_total",
			Help:      "Tool-server connect or discovery failures, by server.",
		}, []string{"server"}),

		ServerRegistrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_server_registrations_total",
			Help:      "Tool servers whose tools were registered, by server.",
		}, []string{"server"}),

		logger: logger.With("component", "metrics"),
	}

	if src.ActiveSessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Session clients currently in the pool.",
		}, func() float64 { return float64(src.ActiveSessions()) })
	}
	if src.ToolServers != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mcp_servers_registered",
			Help:      "Tool servers currently registered.",
		}, func() float64 { return float64(src.ToolServers()) })
	}
	if src.DiscoveryInProgress != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mcp_discovery_in_progress",
			Help:      "1 while a tool-server discovery pass is running.",
		}, func() float64 {
			if src.DiscoveryInProgress() {
				return 1
			}
			return 0
		})
	}
	return m
}

// Run observes events from evs until ctx is cancelled or evs closes.
func (m *Metrics) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e events.Event) {
	d := e.Data
	switch e.Kind {
	case events.KindExecDone:
		tool := str(d, "tool")
		result := "ok"
		if ok, _ := d["ok"].(bool); !ok {
			result = str(d, "error_type")
			if result == "" {
				result = "error"
			}
		}
		m.Executions.WithLabelValues(tool, result).Inc()
		if ms, ok := number(d["duration_ms"]); ok {
			m.ExecutionDuration.WithLabelValues(tool).Observe(ms / 1000)
		}
	case events.KindExecProgress:
		if stage := str(d, "stage"); stage != "" {
			m.ExecStages.WithLabelValues(stage).Inc()
		}
	case events.KindToolDone:
		tool := str(d, "tool")
		status := "success"
		if ok, _ := d["ok"].(bool); !ok {
			status = "error"
		}
		m.ToolCalls.WithLabelValues(tool, status).Inc()
		if ms, ok := number(d["duration_ms"]); ok {
			m.ToolCallDuration.WithLabelValues(tool).Observe(ms / 1000)
		}
	case events.KindSessionCreated:
		m.SessionsCreated.Inc()
	case events.KindSessionRestored:
		m.SessionsRestored.Inc()
	case events.KindSessionReleased:
		m.SessionsReleased.WithLabelValues(str(d, "reason")).Inc()
	case events.KindSessionSaveFailed:
		m.SessionSaveFailures.Inc()
	case events.KindServerError:
		m.ServerErrors.WithLabelValues(str(d, "server")).Inc()
	case events.KindServerRegistered:
		m.ServerRegistrations.WithLabelValues(str(d, "server")).Inc()
	}
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

// number accepts the numeric types events carry in-process and after a
// JSON round trip.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
