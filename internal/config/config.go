package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Strava   StravaConfig    `json:"strava"`
	Accounts []AccountConfig `json:"accounts"`
	Sync     SyncConfig      `json:"sync"`
	Webhook  WebhookConfig   `json:"webhook"`
	Sink     SinkConfig      `json:"sink"`
	Database string          `json:"database,omitempty"`
	Log      LogConfig       `json:"log"`
}

// StravaConfig holds Strava API credentials
type StravaConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	BaseURL      string `json:"base_url,omitempty"`
}

// AccountConfig is one Strava account to keep in sync
type AccountConfig struct {
	Name      string `json:"name"`
	AuthCode  string `json:"auth_code,omitempty"`
	StartTime string `json:"start_time,omitempty"` // RFC 3339 or YYYY-MM-DD
}

// SyncConfig controls the poller
type SyncConfig struct {
	Interval      Duration `json:"interval"`
	Jitter        float64  `json:"jitter"`
	PageSize      int      `json:"page_size"`
	RefreshMargin Duration `json:"refresh_margin"`
	RunTimeout    Duration `json:"run_timeout,omitempty"`
}

// WebhookConfig controls the push receiver
type WebhookConfig struct {
	Enabled     bool   `json:"enabled"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	VerifyToken string `json:"verify_token"`
	CallbackURL string `json:"callback_url"`
	CertFile    string `json:"cert_file,omitempty"`
	KeyFile     string `json:"key_file,omitempty"`
}

// SinkConfig selects where records go
type SinkConfig struct {
	Kind    string            `json:"kind"`
	Path    string            `json:"path,omitempty"`
	Brokers []string          `json:"brokers,omitempty"`
	Topics  map[string]string `json:"topics,omitempty"`
}

// LogConfig holds logging preferences
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration is a time.Duration written as "15m" in the config file
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"15m\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ErrNoConfig is returned when the config file doesn't exist
var ErrNoConfig = errors.New("config file not found")

// Environment overrides, applied after the file and any .env
const (
	EnvClientID     = "STRAVA_CLIENT_ID"
	EnvClientSecret = "STRAVA_CLIENT_SECRET"
	EnvVerifyToken  = "STRAVASYNC_VERIFY_TOKEN"
	EnvKafkaBrokers = "STRAVASYNC_KAFKA_BROKERS"
	EnvDatabase     = "STRAVASYNC_DB"
)

// minRefreshMargin is the shortest accepted sync.refresh_margin
const minRefreshMargin = 16 * time.Minute

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			Interval:      Duration(15 * time.Minute),
			Jitter:        0.1,
			PageSize:      30,
			RefreshMargin: Duration(20 * time.Minute),
		},
		Webhook: WebhookConfig{
			Port: 8443,
			Path: "/webhook",
		},
		Sink: SinkConfig{Kind: "stdout"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration from path, or ~/.stravasync/config.json when
// path is empty
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// A missing .env is normal
	_ = godotenv.Load()
	cfg.applyEnv()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Sync.Interval == 0 {
		c.Sync.Interval = defaults.Sync.Interval
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = defaults.Sync.PageSize
	}
	if c.Sync.RefreshMargin == 0 {
		c.Sync.RefreshMargin = defaults.Sync.RefreshMargin
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = defaults.Webhook.Port
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = defaults.Webhook.Path
	}
	if c.Sink.Kind == "" {
		c.Sink.Kind = defaults.Sink.Kind
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.Strava.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.Strava.ClientSecret = v
	}
	if v := os.Getenv(EnvVerifyToken); v != "" {
		c.Webhook.VerifyToken = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Sink.Brokers = brokers
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
}

// Save writes the configuration to path, or the default location when empty
func Save(path string, cfg *Config) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// CreateExample creates an example config file if none exists
func CreateExample(path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return nil // Config exists, don't overwrite
	}

	example := DefaultConfig()
	example.Strava = StravaConfig{
		ClientID:     "YOUR_CLIENT_ID",
		ClientSecret: "YOUR_CLIENT_SECRET",
	}
	example.Accounts = []AccountConfig{{
		Name:      "me",
		StartTime: "2024-01-01",
	}}
	example.Webhook.VerifyToken = "CHOOSE_A_RANDOM_STRING"
	example.Webhook.CallbackURL = "https://example.com/webhook"

	return Save(path, &example)
}

// Validate checks if the config has required fields
func (c *Config) Validate() error {
	if c.Strava.ClientID == "" || c.Strava.ClientID == "YOUR_CLIENT_ID" {
		return errors.New("strava.client_id is required - get it from https://www.strava.com/settings/api")
	}
	if c.Strava.ClientSecret == "" || c.Strava.ClientSecret == "YOUR_CLIENT_SECRET" {
		return errors.New("strava.client_secret is required - get it from https://www.strava.com/settings/api")
	}

	if len(c.Accounts) == 0 {
		return errors.New("at least one entry in accounts is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("accounts[%d].name %q is used twice", i, a.Name)
		}
		seen[a.Name] = true
		if _, err := a.StartUnix(); err != nil {
			return fmt.Errorf("accounts[%d].start_time: %w", i, err)
		}
	}

	if c.Sync.Interval.Std() < time.Minute {
		return fmt.Errorf("sync.interval must be at least 1m, got %s", c.Sync.Interval.Std())
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return fmt.Errorf("sync.jitter must be between 0 and 1, got %v", c.Sync.Jitter)
	}
	// a token must outlive one rate limit backoff
	if c.Sync.RefreshMargin.Std() < minRefreshMargin {
		return fmt.Errorf("sync.refresh_margin must be at least %s, got %s", minRefreshMargin, c.Sync.RefreshMargin.Std())
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 200 {
		return fmt.Errorf("sync.page_size must be between 1 and 200, got %d", c.Sync.PageSize)
	}

	if c.Webhook.Enabled {
		if c.Webhook.VerifyToken == "" || c.Webhook.VerifyToken == "CHOOSE_A_RANDOM_STRING" {
			return fmt.Errorf("webhook.verify_token is required when the webhook is enabled (or set %s)", EnvVerifyToken)
		}
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			return fmt.Errorf("webhook.path must start with \"/\", got %q", c.Webhook.Path)
		}
		if (c.Webhook.CertFile == "") != (c.Webhook.KeyFile == "") {
			return errors.New("webhook.cert_file and webhook.key_file must be set together")
		}
	}

	switch c.Sink.Kind {
	case "stdout":
	case "file":
		if c.Sink.Path == "" {
			return errors.New("sink.path is required for the file sink")
		}
	case "kafka":
		if len(c.Sink.Brokers) == 0 {
			return fmt.Errorf("sink.brokers is required for the kafka sink (or set %s)", EnvKafkaBrokers)
		}
	default:
		return fmt.Errorf("sink.kind must be \"stdout\", \"file\" or \"kafka\", got %q", c.Sink.Kind)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	return nil
}

// StartUnix returns the configured start time as unix seconds, 0 when unset
func (a AccountConfig) StartUnix() (int64, error) {
	return ParseTime(a.StartTime)
}

// ParseTime parses an RFC 3339 timestamp or a YYYY-MM-DD date to unix
// seconds. The empty string is 0.
func ParseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t.Unix(), nil
}

// NewLogger builds the slog logger described by l
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
	return level, nil
}

// DefaultPath returns the path to the config file
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".stravasync"), nil
}
