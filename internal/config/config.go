// Package config provides YAML-based configuration loading for shopkeep.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shopkeep configuration, loaded from shopkeep.yaml.
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Session     SessionConfig     `yaml:"session"`
	Database    DatabaseConfig    `yaml:"database"`
	AI          AIConfig          `yaml:"ai"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Notify      NotifyConfig      `yaml:"notify"`
	Seen        SeenConfig        `yaml:"seen"`
	Watch       WatchConfig       `yaml:"watch"`
	Digest      DigestConfig      `yaml:"digest"`
	Status      StatusConfig      `yaml:"status"`
	Log         LogConfig         `yaml:"log"`
}

// MarketplaceConfig holds the fixed upstream endpoints and identity.
type MarketplaceConfig struct {
	AppKey    string `yaml:"app_key"`
	WSURL     string `yaml:"ws_url"`
	RESTBase  string `yaml:"rest_base"`
	UserAgent string `yaml:"user_agent"`
	Origin    string `yaml:"origin"`
}

// SessionConfig tunes the per-account WebSocket session.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	RefreshLead       time.Duration `yaml:"refresh_lead"`
	RefreshTimeout    time.Duration `yaml:"refresh_timeout"`
	RefreshRetries    int           `yaml:"refresh_retries"`
	RefreshBackoff    time.Duration `yaml:"refresh_backoff"`
	SendRate          float64       `yaml:"send_rate"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	DedupCapacity     int           `yaml:"dedup_capacity"`
	ContextTurns      int           `yaml:"context_turns"`
	MessageMaxAge     time.Duration `yaml:"message_max_age"`
	ManualPause       time.Duration `yaml:"manual_pause"`
}

// DatabaseConfig selects the gorm driver and connection.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AIConfig configures the text-completion provider used for AI replies.
type AIConfig struct {
	Provider     string        `yaml:"provider"` // "openai" or "anthropic"
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// DeliveryConfig tunes the auto-delivery engine.
type DeliveryConfig struct {
	APITimeout time.Duration `yaml:"api_timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// NotifyConfig tunes the notifier fan-out queue.
type NotifyConfig struct {
	RateWindow time.Duration `yaml:"rate_window"`
	QueueSize  int           `yaml:"queue_size"`
}

// SeenConfig selects where answered message ids are persisted.
type SeenConfig struct {
	Backend   string        `yaml:"backend"` // "memory", "sql" or "redis"
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// WatchConfig controls how often the credentials table is polled.
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DigestConfig schedules the daily delivery digest notification.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// StatusConfig configures the read-only status HTTP server.
type StatusConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Environment overrides for secrets that should not live in the YAML file.
const (
	EnvAIAPIKey    = "SHOPKEEP_AI_API_KEY"
	EnvDatabaseDSN = "SHOPKEEP_DATABASE_DSN"
	EnvRedisAddr   = "SHOPKEEP_REDIS_ADDR"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAIAPIKey); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Seen.RedisAddr = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	m := &c.Marketplace
	if m.UserAgent == "" {
		m.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	}

	s := &c.Session
	setDuration(&s.HeartbeatInterval, 15*time.Second)
	setDuration(&s.InactivityTimeout, 30*time.Second)
	setDuration(&s.RegisterTimeout, 10*time.Second)
	setDuration(&s.HandshakeTimeout, 10*time.Second)
	setDuration(&s.RefreshLead, 5*time.Minute)
	setDuration(&s.RefreshTimeout, 15*time.Second)
	setDuration(&s.RefreshBackoff, 2*time.Second)
	setDuration(&s.DrainTimeout, 5*time.Second)
	setDuration(&s.MessageMaxAge, 5*time.Minute)
	if s.RefreshRetries == 0 {
		s.RefreshRetries = 3
	}
	if s.SendRate == 0 {
		s.SendRate = 2
	}
	if s.DedupCapacity == 0 {
		s.DedupCapacity = 1000
	}
	if s.ContextTurns == 0 {
		s.ContextTurns = 20
	}

	d := &c.Database
	if d.Driver == "" {
		d.Driver = "sqlite"
	}
	if d.Driver == "mysql" {
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.User == "" {
			d.User = "root"
		}
	}
	if d.Driver == "sqlite" && d.DSN == "" {
		d.DSN = "shopkeep.db"
	}

	a := &c.AI
	if a.Provider == "" {
		a.Provider = "openai"
	}
	setDuration(&a.Timeout, 30*time.Second)
	if a.MaxTokens == 0 {
		a.MaxTokens = 512
	}

	setDuration(&c.Delivery.APITimeout, 10*time.Second)
	setDuration(&c.Delivery.RetryDelay, 5*time.Second)

	setDuration(&c.Notify.RateWindow, time.Minute)
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}

	if c.Seen.Backend == "" {
		c.Seen.Backend = "sql"
	}
	setDuration(&c.Seen.TTL, 24*time.Hour)

	setDuration(&c.Watch.PollInterval, 10*time.Second)

	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Marketplace.AppKey == "" {
		errs = append(errs, "marketplace.app_key is required")
	}
	if c.Marketplace.WSURL == "" {
		errs = append(errs, "marketplace.ws_url is required")
	} else if !strings.HasPrefix(c.Marketplace.WSURL, "ws://") && !strings.HasPrefix(c.Marketplace.WSURL, "wss://") {
		errs = append(errs, "marketplace.ws_url must be a ws:// or wss:// URL")
	}
	if c.Marketplace.RESTBase == "" {
		errs = append(errs, "marketplace.rest_base is required")
	}
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" && c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.AI.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("ai.provider %q is not supported", c.AI.Provider))
	}
	switch c.Seen.Backend {
	case "memory", "sql":
	case "redis":
		if c.Seen.RedisAddr == "" {
			errs = append(errs, "seen.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("seen.backend %q is not supported", c.Seen.Backend))
	}
	if c.Session.SendRate < 0 {
		errs = append(errs, "session.send_rate must not be negative")
	}
	if c.Session.InactivityTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, "session.inactivity_timeout must exceed session.heartbeat_interval")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
