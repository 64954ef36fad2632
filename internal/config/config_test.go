package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.Interval.Std() != 15*time.Minute {
		t.Errorf("Sync.Interval = %v, want 15m", cfg.Sync.Interval.Std())
	}
	if cfg.Sync.PageSize != 30 {
		t.Errorf("Sync.PageSize = %d, want 30", cfg.Sync.PageSize)
	}
	if cfg.Sync.RefreshMargin.Std() != 20*time.Minute {
		t.Errorf("Sync.RefreshMargin = %v, want 20m", cfg.Sync.RefreshMargin.Std())
	}
	if cfg.Webhook.Path != "/webhook" {
		t.Errorf("Webhook.Path = %q, want %q", cfg.Webhook.Path, "/webhook")
	}
	if cfg.Sink.Kind != "stdout" {
		t.Errorf("Sink.Kind = %q, want %q", cfg.Sink.Kind, "stdout")
	}

	// Strava config should be empty by default
	if cfg.Strava.ClientID != "" {
		t.Errorf("Strava.ClientID should be empty, got %q", cfg.Strava.ClientID)
	}
	if cfg.Strava.ClientSecret != "" {
		t.Errorf("Strava.ClientSecret should be empty, got %q", cfg.Strava.ClientSecret)
	}
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Strava = StravaConfig{ClientID: "12345", ClientSecret: "abc123secret"}
	cfg.Accounts = []AccountConfig{{Name: "me", StartTime: "2024-01-01"}}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty client ID", mutate: func(c *Config) { c.Strava.ClientID = "" }, errContains: "client_id"},
		{name: "placeholder client ID", mutate: func(c *Config) { c.Strava.ClientID = "YOUR_CLIENT_ID" }, errContains: "client_id"},
		{name: "placeholder client secret", mutate: func(c *Config) { c.Strava.ClientSecret = "YOUR_CLIENT_SECRET" }, errContains: "client_secret"},
		{
			name: "both placeholders",
			mutate: func(c *Config) {
				c.Strava = StravaConfig{ClientID: "YOUR_CLIENT_ID", ClientSecret: "YOUR_CLIENT_SECRET"}
			},
			errContains: "client_id", // first error wins
		},
		{name: "no accounts", mutate: func(c *Config) { c.Accounts = nil }, errContains: "accounts"},
		{name: "unnamed account", mutate: func(c *Config) { c.Accounts[0].Name = "" }, errContains: "accounts[0].name"},
		{
			name:        "duplicate account",
			mutate:      func(c *Config) { c.Accounts = append(c.Accounts, AccountConfig{Name: "me"}) },
			errContains: "used twice",
		},
		{name: "bad start time", mutate: func(c *Config) { c.Accounts[0].StartTime = "last week" }, errContains: "start_time"},
		{name: "short interval", mutate: func(c *Config) { c.Sync.Interval = Duration(time.Second) }, errContains: "sync.interval"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Sync.Jitter = 2 }, errContains: "sync.jitter"},
		{name: "refresh margin shorter than a backoff", mutate: func(c *Config) { c.Sync.RefreshMargin = Duration(time.Minute) }, errContains: "sync.refresh_margin"},
		{name: "page size too large", mutate: func(c *Config) { c.Sync.PageSize = 500 }, errContains: "sync.page_size"},
		{name: "webhook without token", mutate: func(c *Config) { c.Webhook.Enabled = true }, errContains: "verify_token"},
		{
			name: "webhook cert without key",
			mutate: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.VerifyToken = "s3cret"
				c.Webhook.CertFile = "cert.pem"
			},
			errContains: "set together",
		},
		{name: "file sink without path", mutate: func(c *Config) { c.Sink.Kind = "file" }, errContains: "sink.path"},
		{name: "kafka sink without brokers", mutate: func(c *Config) { c.Sink.Kind = "kafka" }, errContains: "sink.brokers"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sink.Kind = "s3" }, errContains: "sink.kind"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, errContains: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, errContains: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvClientID, EnvClientSecret, EnvVerifyToken, EnvKafkaBrokers, EnvDatabase} {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"strava": {"client_id": "1", "client_secret": "2"},
		"accounts": [{"name": "me"}],
		"sync": {"interval": "30m", "page_size": 50}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval.Std() != 30*time.Minute {
		t.Errorf("Sync.Interval = %v, want 30m", cfg.Sync.Interval.Std())
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("Sync.PageSize = %d, want 50", cfg.Sync.PageSize)
	}
	if cfg.Sync.RefreshMargin.Std() != 20*time.Minute {
		t.Errorf("Sync.RefreshMargin = %v, want default 20m", cfg.Sync.RefreshMargin.Std())
	}
	if cfg.Webhook.Port != 8443 {
		t.Errorf("Webhook.Port = %d, want default 8443", cfg.Webhook.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvClientSecret, "from-env")
	t.Setenv(EnvKafkaBrokers, "kafka-1:9092, kafka-2:9092,")
	t.Setenv(EnvDatabase, "/var/lib/stravasync.db")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"strava": {"client_id": "1", "client_secret": "file"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strava.ClientID != "1" {
		t.Errorf("Strava.ClientID = %q, want file value", cfg.Strava.ClientID)
	}
	if cfg.Strava.ClientSecret != "from-env" {
		t.Errorf("Strava.ClientSecret = %q, want env value", cfg.Strava.ClientSecret)
	}
	if got := strings.Join(cfg.Sink.Brokers, "|"); got != "kafka-1:9092|kafka-2:9092" {
		t.Errorf("Sink.Brokers = %q", got)
	}
	if cfg.Database != "/var/lib/stravasync.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != ErrNoConfig {
		t.Errorf("Load missing file = %v, want ErrNoConfig", err)
	}
}

func TestCreateExampleDoesNotOverwrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	if err := CreateExample(path); err != nil {
		t.Fatalf("CreateExample: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "client_id") {
		t.Errorf("example should fail on the placeholder client id, got %v", err)
	}

	cfg.Strava.ClientID = "changed"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	if err := CreateExample(path); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strava.ClientID != "changed" {
		t.Errorf("CreateExample overwrote an existing config")
	}
}

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"15m"`, 15 * time.Minute, false},
		{`"1h30m"`, 90 * time.Minute, false},
		{`90`, 90 * time.Second, false},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Std() != tt.want {
				t.Errorf("got %v, want %v", d.Std(), tt.want)
			}
		})
	}

	b, err := Duration(15 * time.Minute).MarshalJSON()
	if err != nil || string(b) != `"15m0s"` {
		t.Errorf("MarshalJSON = %s, %v", b, err)
	}
}

func TestStartUnix(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1970-01-02", 86400},
		{"2024-01-01T00:00:00Z", 1704067200},
	}
	for _, tt := range tests {
		got, err := AccountConfig{StartTime: tt.in}.StartUnix()
		if err != nil {
			t.Errorf("StartUnix(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("StartUnix(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "account", "me")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn: %s", out)
	}
	if !strings.Contains(out, `"account":"me"`) {
		t.Errorf("expected json output, got %s", out)
	}
}
