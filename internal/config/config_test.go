package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
marketplace:
  app_key: "444e9908a51d1cb236a27862abc769c9"
  ws_url: wss://wss-goofish.example.com/
  rest_base: https://h5api.example.com/h5
  origin: https://www.example.com

session:
  heartbeat_interval: 10s
  inactivity_timeout: 25s
  send_rate: 1.5
  dedup_capacity: 500
  manual_pause: 10m

database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: shopkeep

ai:
  provider: anthropic
  api_key: from-file
  model: claude-3-5-haiku-20241022
  timeout: 20s

seen:
  backend: redis
  redis_addr: 127.0.0.1:6379

digest:
  enabled: true
  cron: "30 8 * * *"

status:
  port: 9090
`

const minimalYAML = `
marketplace:
  app_key: k
  ws_url: wss://example.com/ws
  rest_base: https://example.com/h5
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Marketplace.AppKey != "444e9908a51d1cb236a27862abc769c9" {
		t.Errorf("AppKey = %q", cfg.Marketplace.AppKey)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.InactivityTimeout != 25*time.Second {
		t.Errorf("InactivityTimeout = %v, want 25s", cfg.Session.InactivityTimeout)
	}
	if cfg.Session.SendRate != 1.5 {
		t.Errorf("SendRate = %v, want 1.5", cfg.Session.SendRate)
	}
	if cfg.Session.DedupCapacity != 500 {
		t.Errorf("DedupCapacity = %d, want 500", cfg.Session.DedupCapacity)
	}
	if cfg.Session.ManualPause != 10*time.Minute {
		t.Errorf("ManualPause = %v, want 10m", cfg.Session.ManualPause)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.Port != 3307 || cfg.Database.User != "root" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.AI.Provider != "anthropic" || cfg.AI.Timeout != 20*time.Second {
		t.Errorf("AI = %+v", cfg.AI)
	}
	if cfg.Seen.Backend != "redis" {
		t.Errorf("Seen.Backend = %q, want redis", cfg.Seen.Backend)
	}
	if !cfg.Digest.Enabled || cfg.Digest.Cron != "30 8 * * *" {
		t.Errorf("Digest = %+v", cfg.Digest)
	}
	if cfg.Status.Port != 9090 {
		t.Errorf("Status.Port = %d, want 9090", cfg.Status.Port)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"heartbeat", cfg.Session.HeartbeatInterval, 15 * time.Second},
		{"inactivity", cfg.Session.InactivityTimeout, 30 * time.Second},
		{"register", cfg.Session.RegisterTimeout, 10 * time.Second},
		{"handshake", cfg.Session.HandshakeTimeout, 10 * time.Second},
		{"refresh lead", cfg.Session.RefreshLead, 5 * time.Minute},
		{"refresh timeout", cfg.Session.RefreshTimeout, 15 * time.Second},
		{"refresh retries", cfg.Session.RefreshRetries, 3},
		{"refresh backoff", cfg.Session.RefreshBackoff, 2 * time.Second},
		{"send rate", cfg.Session.SendRate, 2.0},
		{"drain", cfg.Session.DrainTimeout, 5 * time.Second},
		{"dedup", cfg.Session.DedupCapacity, 1000},
		{"context turns", cfg.Session.ContextTurns, 20},
		{"ai timeout", cfg.AI.Timeout, 30 * time.Second},
		{"api timeout", cfg.Delivery.APITimeout, 10 * time.Second},
		{"retry delay", cfg.Delivery.RetryDelay, 5 * time.Second},
		{"notify window", cfg.Notify.RateWindow, time.Minute},
		{"db driver", cfg.Database.Driver, "sqlite"},
		{"db dsn", cfg.Database.DSN, "shopkeep.db"},
		{"seen backend", cfg.Seen.Backend, "sql"},
		{"digest cron", cfg.Digest.Cron, "0 9 * * *"},
		{"log level", cfg.Log.Level, "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.Marketplace.UserAgent == "" {
		t.Error("expected default user agent")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing app key", "marketplace: {ws_url: wss://x, rest_base: https://x}", "marketplace.app_key is required"},
		{"missing ws url", "marketplace: {app_key: k, rest_base: https://x}", "marketplace.ws_url is required"},
		{"bad ws scheme", "marketplace: {app_key: k, ws_url: https://x, rest_base: https://x}", "ws:// or wss://"},
		{"missing rest base", "marketplace: {app_key: k, ws_url: wss://x}", "marketplace.rest_base is required"},
		{"bad driver", minimalYAML + "database: {driver: oracle}\n", `database.driver "oracle"`},
		{"bad provider", minimalYAML + "ai: {provider: cohere}\n", `ai.provider "cohere"`},
		{"redis without addr", minimalYAML + "seen: {backend: redis}\n", "seen.redis_addr is required"},
		{"inactivity below heartbeat", minimalYAML + "session: {heartbeat_interval: 30s, inactivity_timeout: 20s}\n", "inactivity_timeout must exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte("log: {level: debug}\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"app_key", "ws_url", "rest_base"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("marketplace: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAIAPIKey, "from-env")
	t.Setenv(EnvDatabaseDSN, "file:env.db")
	t.Setenv(EnvRedisAddr, "redis:6379")

	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AI.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.AI.APIKey)
	}
	if cfg.Database.DSN != "file:env.db" {
		t.Errorf("DSN = %q, want file:env.db", cfg.Database.DSN)
	}
	if cfg.Seen.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want redis:6379", cfg.Seen.RedisAddr)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopkeep.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Marketplace.AppKey != "k" {
		t.Errorf("AppKey = %q, want k", cfg.Marketplace.AppKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}
