package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"safeline/internal/gates"
	"safeline/internal/notify"
	"safeline/internal/telemetry"
)

// FileName is the config file looked up in the workspace root.
const FileName = "safeline.yml"

// Config models safeline.yml.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Lock      LockConfig      `yaml:"lock"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gates     GatesConfig     `yaml:"gates"`
	Notify    NotifyConfig    `yaml:"notify"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Server    ServerConfig    `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LockConfig struct {
	// Backend is sqlite (single host, workspace database) or redis.
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Wait     time.Duration `yaml:"wait"`
	Interval time.Duration `yaml:"interval"`
	Redis    RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type TelemetryConfig struct {
	// Source is static or prometheus. Timing kinds always come from operation history.
	Source     string                        `yaml:"source"`
	Static     map[string]map[string]float64 `yaml:"static"`
	Prometheus PrometheusConfig              `yaml:"prometheus"`
}

type PrometheusConfig struct {
	Address string            `yaml:"address"`
	Timeout time.Duration     `yaml:"timeout"`
	Queries map[string]string `yaml:"queries"`
}

type GatesConfig struct {
	Enabled    []string       `yaml:"enabled"`
	Thresholds map[string]any `yaml:"thresholds"`
}

type NotifyConfig struct {
	EnabledChannels []string                 `yaml:"enabled_channels"`
	Timeout         time.Duration            `yaml:"timeout"`
	Webhooks        map[string]WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type ExecutorConfig struct {
	// Kind is noop or command.
	Kind      string            `yaml:"kind"`
	Shell     string            `yaml:"shell"`
	Dir       string            `yaml:"dir"`
	Timeout   time.Duration     `yaml:"timeout"`
	Commands  map[string]string `yaml:"commands"`
	Rollbacks map[string]string `yaml:"rollbacks"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	JWTSecret        string        `yaml:"jwt_secret"`
	AllowActorHeader bool          `yaml:"allow_actor_header"`
	EscalateAfter    time.Duration `yaml:"escalate_after"`
	EscalateEvery    time.Duration `yaml:"escalate_every"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "sqlite":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config.lock.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be sqlite or redis, got %q", c.Lock.Backend)
	}
	for name, d := range map[string]time.Duration{
		"lock.ttl": c.Lock.TTL, "lock.wait": c.Lock.Wait, "lock.interval": c.Lock.Interval,
		"telemetry.prometheus.timeout": c.Telemetry.Prometheus.Timeout,
		"notify.timeout":               c.Notify.Timeout,
		"executor.timeout":             c.Executor.Timeout,
		"server.escalate_after":        c.Server.EscalateAfter,
		"server.escalate_every":        c.Server.EscalateEvery,
	} {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}

	switch c.Telemetry.Source {
	case "static":
	case "prometheus":
		if c.Telemetry.Prometheus.Address == "" {
			return fmt.Errorf("config.telemetry.prometheus.address is required for the prometheus source")
		}
	default:
		return fmt.Errorf("config.telemetry.source must be static or prometheus, got %q", c.Telemetry.Source)
	}
	for service, values := range c.Telemetry.Static {
		if service == "" {
			return fmt.Errorf("config.telemetry.static has an empty service name")
		}
		for kind := range values {
			if _, err := telemetry.ParseKind(kind); err != nil {
				return fmt.Errorf("config.telemetry.static.%s: %w", service, err)
			}
		}
	}
	if _, err := c.PrometheusQueries(); err != nil {
		return err
	}

	if _, err := c.GateTypes(); err != nil {
		return err
	}
	if _, err := c.GateThresholds(); err != nil {
		return err
	}

	if _, err := c.Channels(); err != nil {
		return err
	}
	for name, hook := range c.Notify.Webhooks {
		if _, err := notify.ParseChannel(name); err != nil {
			return fmt.Errorf("config.notify.webhooks: %w", err)
		}
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks.%s.url is required", name)
		}
	}

	switch c.Executor.Kind {
	case "noop":
	case "command":
		if len(c.Executor.Commands) == 0 {
			return fmt.Errorf("config.executor.commands is required for the command executor")
		}
	default:
		return fmt.Errorf("config.executor.kind must be noop or command, got %q", c.Executor.Kind)
	}
	return nil
}

// GateTypes returns the enabled gates in evaluation order; empty means the defaults.
func (c *Config) GateTypes() ([]gates.GateType, error) {
	out := make([]gates.GateType, 0, len(c.Gates.Enabled))
	for _, name := range c.Gates.Enabled {
		t, err := gates.ParseGateType(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("config.gates.enabled: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Config) GateThresholds() (gates.Thresholds, error) {
	th, err := gates.ParseThresholds(c.Gates.Thresholds)
	if err != nil {
		return gates.Thresholds{}, fmt.Errorf("config.gates.thresholds: %w", err)
	}
	return th, nil
}

func (c *Config) Channels() ([]notify.Channel, error) {
	out := make([]notify.Channel, 0, len(c.Notify.EnabledChannels))
	for _, name := range c.Notify.EnabledChannels {
		ch, err := notify.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("config.notify.enabled_channels: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

// PrometheusQueries returns the configured PromQL overrides keyed by kind.
func (c *Config) PrometheusQueries() (map[telemetry.Kind]string, error) {
	out := make(map[telemetry.Kind]string, len(c.Telemetry.Prometheus.Queries))
	for name, q := range c.Telemetry.Prometheus.Queries {
		kind, err := telemetry.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("config.telemetry.prometheus.queries: %w", err)
		}
		out[kind] = q
	}
	return out, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, then validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders cfg as it would be written to safeline.yml.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `log:
  level: info
  format: text

lock:
  backend: sqlite
  ttl: 10m
  wait: 30s
  interval: 500ms
  redis:
    addr: ""
    prefix: "safeline:lock:"

telemetry:
  source: static
  static: {}
  prometheus:
    address: ""
    timeout: 5s

gates:
  enabled: [error_budget, blast_radius, recent_failures, cooldown]
  thresholds:
    error_budget_pct: 2.0
    max_blast_radius_pct: 5.0
    cooldown_seconds: 300
    recent_failure_window_seconds: 3600
    max_resource_utilization_pct: 80
    max_incident_rate_per_hour: 5

notify:
  enabled_channels: [chat]
  timeout: 10s
  webhooks: {}

executor:
  kind: noop
  timeout: 15m

server:
  addr: ":8080"
  allow_actor_header: false
  escalate_after: 1h
  escalate_every: 5m
`
