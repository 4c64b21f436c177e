package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thane-runtime/internal/config"
	"github.com/nugget/thane-runtime/internal/events"
)

// publishTimeout bounds a single broker publish so a stalled
// connection cannot hold up the event loop.
const publishTimeout = 5 * time.Second

// StatsSource provides the summary states published periodically. The
// concrete adapter is wired in main.go to keep this package free of
// the pool and manager types.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	// ActiveSessions returns the number of live session clients.
	ActiveSessions() int
	// ToolServers returns the number of registered tool servers.
	ToolServers() int
	// DiscoveryState returns the tool-server discovery state.
	DiscoveryState() string
}

// Publisher owns the broker connection, forwards bus events and runs
// the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counts     *DailyCounts
	stats      StatsSource
	limiter    *rateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counts:     NewDailyCounts(nil),
		stats:      stats,
		limiter:    newRateLimiter(int64(cfg.EventRateLimit), time.Minute, logger),
		logger:     logger,
	}
}

// Counts returns the daily activity counters fed by forwarded events.
func (p *Publisher) Counts() *DailyCounts {
	return p.counts
}

// Start connects to the broker and forwards events from evs until ctx
// is cancelled or evs is closed. On every (re-)connect it publishes
// discovery payloads and a birth message.
func (p *Publisher) Start(ctx context.Context, evs <-chan events.Event) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx, evs)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return p.cfg.DeviceName + "-" + id
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(suffix, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	diagnostic := func(c SensorConfig) SensorConfig {
		c.EntityCategory = "diagnostic"
		return c
	}
	measurement := func(c SensorConfig) SensorConfig {
		c.StateClass = "measurement"
		return c
	}
	daily := func(c SensorConfig, unit string) SensorConfig {
		c.StateClass = "total_increasing"
		c.UnitOfMeasurement = unit
		return c
	}
	return []sensorDef{
		{"uptime", diagnostic(p.sensor("uptime", "Uptime", "mdi:clock-outline"))},
		{"version", diagnostic(p.sensor("version", "Version", "mdi:tag"))},
		{"active_sessions", measurement(p.sensor("active_sessions", "Active Sessions", "mdi:chat-processing"))},
		{"tool_servers", measurement(p.sensor("tool_servers", "Tool Servers", "mdi:server-network"))},
		{"discovery_state", diagnostic(p.sensor("discovery_state", "Discovery State", "mdi:magnify"))},
		{"executions_today", daily(p.sensor("executions_today", "Executions Today", "mdi:language-python"), "runs")},
		{"exec_failures_today", daily(p.sensor("exec_failures_today", "Execution Failures Today", "mdi:alert-circle"), "runs")},
		{"tool_calls_today", daily(p.sensor("tool_calls_today", "Tool Calls Today", "mdi:tools"), "calls")},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Event forwarding and state loop ---

func (p *Publisher) runLoop(ctx context.Context, evs <-chan events.Event) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-evs:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	p.counts.Observe(e)
	if !p.limiter.allow() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event failed", "kind", e.Kind, "error", err)
		return
	}
	p.publish(ctx, p.eventTopic(e), payload, false)
}

// states returns the summary values keyed by sensor suffix.
func (p *Publisher) states() map[string]string {
	daily := p.counts.Snapshot()
	states := map[string]string{
		"executions_today":    strconv.FormatInt(daily.Executions, 10),
		"exec_failures_today": strconv.FormatInt(daily.ExecFailures, 10),
		"tool_calls_today":    strconv.FormatInt(daily.ToolCalls, 10),
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["active_sessions"] = strconv.Itoa(p.stats.ActiveSessions())
		states["tool_servers"] = strconv.Itoa(p.stats.ToolServers())
		states["discovery_state"] = p.stats.DiscoveryState()
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	states := p.states()
	for entity, value := range states {
		p.publish(ctx, p.stateTopic(entity), []byte(value), true)
	}
	p.logger.Debug("mqtt states published", "entities", len(states))
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, retain bool) {
	if p.cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}
