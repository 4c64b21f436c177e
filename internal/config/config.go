// Package config handles thane-runtime configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/thane-runtime/config.yaml,
// /etc/thane-runtime/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thane-runtime", "config.yaml"))
	}

	paths = append(paths, "/etc/thane-runtime/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all thane-runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" (default) or "json".
	LogFormat string `yaml:"log_format"`
	// DataDir holds the session history database and the instance id.
	DataDir   string          `yaml:"data_dir"`
	Model     ModelConfig     `yaml:"model"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	CodeExec  CodeExecConfig  `yaml:"code_exec"`
	MCP       MCPConfig       `yaml:"mcp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig defines the OpenAI-compatible endpoint used by sessions.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. http://localhost:11434/v1 for Ollama
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"`
	// SystemPrompt replaces the built-in prompt when set.
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// SessionsConfig defines the session client pool.
type SessionsConfig struct {
	// IdleTimeoutSec releases sessions idle this long. Default 900.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	SaveTimeoutSec int `yaml:"save_timeout_sec"`
	// CreateTimeoutSec bounds creating and restoring one client.
	// Default 120.
	CreateTimeoutSec int `yaml:"create_timeout_sec"`
	// HistoryDriver selects the history store: "sqlite3" (cgo, default),
	// "sqlite" (pure Go) or "none" to disable persistence.
	HistoryDriver string `yaml:"history_driver"`
}

// WorkspaceConfig defines where scripts may run.
type WorkspaceConfig struct {
	// Roots are the directories a script's working directory must fall
	// inside. The first root is the working directory.
	Roots []string `yaml:"roots"`
	// Trusted allows external tool servers to be launched.
	Trusted bool `yaml:"trusted"`
	// DefaultDir is the working directory when Roots is empty.
	DefaultDir string `yaml:"default_dir"`
}

// CodeExecConfig defines the code execution harness.
type CodeExecConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Python         string `yaml:"python"`
	TempDir        string `yaml:"temp_dir"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	// Confirm asks before each run not covered by the allowlist.
	Confirm bool `yaml:"confirm"`
}

// MCPConfig defines external tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
	// ServerCommand adds a stdio server named "mcp" started from this
	// command line.
	ServerCommand      string   `yaml:"server_command"`
	DisabledExtensions []string `yaml:"disabled_extensions"`
	ConnectTimeoutSec  int      `yaml:"connect_timeout_sec"`
	// HealthCheck pings registered servers and marks unresponsive ones
	// disconnected.
	HealthCheck bool `yaml:"health_check"`
}

// MCPServerConfig defines a single tool server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio (default) or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"` // KEY=value
	Dir       string            `yaml:"dir"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	// IncludeTools limits bridging to these tools; ExcludeTools is
	// ignored when it is set.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
	Extension    string   `yaml:"extension"`
}

// MQTTConfig defines the MQTT event bridge. The bridge is off unless
// Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
	// DiscoveryPrefix is the Home Assistant discovery prefix. Sensor
	// discovery payloads are not published when it is empty.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// EventRateLimit caps forwarded events per minute. Default 600.
	EventRateLimit int `yaml:"event_rate_limit"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration pointing at a local Ollama.
func Default() *Config {
	cfg := &Config{
		Model: ModelConfig{
			BaseURL: "http://localhost:11434/v1",
			Name:    "qwen3:4b",
		},
		CodeExec: CodeExecConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Model.MaxIterations == 0 {
		c.Model.MaxIterations = 10
	}
	if c.Model.TimeoutSec == 0 {
		c.Model.TimeoutSec = 300
	}
	if c.Sessions.IdleTimeoutSec == 0 {
		c.Sessions.IdleTimeoutSec = 900
	}
	if c.Sessions.SaveTimeoutSec == 0 {
		c.Sessions.SaveTimeoutSec = 30
	}
	if c.Sessions.CreateTimeoutSec == 0 {
		c.Sessions.CreateTimeoutSec = 120
	}
	if c.Sessions.HistoryDriver == "" {
		c.Sessions.HistoryDriver = "sqlite3"
	}
	if c.CodeExec.Python == "" {
		c.CodeExec.Python = "python3"
	}
	if c.CodeExec.MaxOutputBytes == 0 {
		c.CodeExec.MaxOutputBytes = 1 << 20
	}
	if c.CodeExec.TimeoutSec == 0 {
		c.CodeExec.TimeoutSec = 300
	}
	if c.MCP.ConnectTimeoutSec == 0 {
		c.MCP.ConnectTimeoutSec = 30
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "thane-runtime"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "thane-runtime"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.EventRateLimit == 0 {
		c.MQTT.EventRateLimit = 600
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.Sessions.HistoryDriver {
	case "", "sqlite3", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("sessions.history_driver %q (valid: sqlite3, sqlite, none)", c.Sessions.HistoryDriver))
	}
	if c.Sessions.IdleTimeoutSec < 0 {
		errs = append(errs, errors.New("sessions.idle_timeout_sec must not be negative"))
	}
	if c.CodeExec.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("code_exec.max_output_bytes must not be negative"))
	}

	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 1 {
		errs = append(errs, errors.New("mqtt.publish_interval_sec must be at least 1"))
	}

	for i, s := range c.MCP.Servers {
		where := fmt.Sprintf("mcp.servers[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
			continue
		}
		where += " (" + s.Name + ")"
		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("%s: command is required for stdio", where))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("%s: url is required for http", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown transport %q", where, s.Transport))
		}
		for _, kv := range s.Env {
			if !strings.Contains(kv, "=") {
				errs = append(errs, fmt.Errorf("%s: env entry %q is not KEY=value", where, kv))
			}
		}
	}

	return errors.Join(errs...)
}
