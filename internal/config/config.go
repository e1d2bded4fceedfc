package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Accounts AccountsConfig `yaml:"accounts"`
	API      APIConfig      `yaml:"api"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Session  SessionConfig  `yaml:"session"`
	Limits   LimitsConfig   `yaml:"limits"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type AccountsConfig struct {
	Path string `yaml:"path" env:"HEARTBEAT_ACCOUNTS_PATH"`
}

type APIConfig struct {
	BaseURL    string         `yaml:"baseURL" env:"HEARTBEAT_API_URL"`
	APIKey     string         `yaml:"apiKey" env:"HEARTBEAT_API_KEY"`
	ClientInfo string         `yaml:"clientInfo" env:"HEARTBEAT_CLIENT_INFO"`
	UserAgent  string         `yaml:"userAgent" env:"HEARTBEAT_USER_AGENT"`
	Proxy      string         `yaml:"proxy" env:"HEARTBEAT_PROXY"`
	TimeoutMs  int            `yaml:"timeoutMs" env:"HEARTBEAT_API_TIMEOUT_MS"`
	Retry      APIRetryConfig `yaml:"retry"`
}

// APIRetryConfig configures transport-level retries of the HTTP client.
// Count defaults to 0: refresh falling back to login is the only retry the
// session lifecycle performs on its own.
type APIRetryConfig struct {
	Count     int `yaml:"count" env:"HEARTBEAT_API_RETRY_COUNT"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c APIConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c APIRetryConfig) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c APIRetryConfig) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type ScheduleConfig struct {
	IntervalMs int `yaml:"intervalMs" env:"HEARTBEAT_INTERVAL_MS"`
}

func (c ScheduleConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type SessionConfig struct {
	// DefaultTokenTTLSeconds is used when neither expires_in nor the token's
	// exp claim says how long an access token lives.
	DefaultTokenTTLSeconds int `yaml:"defaultTokenTTLSeconds"`
}

func (c SessionConfig) DefaultTokenTTL() time.Duration {
	if c.DefaultTokenTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.DefaultTokenTTLSeconds) * time.Second
}

type LimitsConfig struct {
	// AccountQPS paces how fast a cycle moves between accounts. 0 disables pacing.
	AccountQPS   float64 `yaml:"accountQPS" env:"HEARTBEAT_ACCOUNT_QPS"`
	AccountBurst int     `yaml:"accountBurst"`
}

type StorageConfig struct {
	// SQLitePath holds the report history. "-" disables it.
	SQLitePath    string `yaml:"sqlitePath" env:"HEARTBEAT_SQLITE_PATH"`
	RetentionDays int    `yaml:"retentionDays"`
}

func (c StorageConfig) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c StorageConfig) HistoryEnabled() bool {
	return strings.TrimSpace(c.SQLitePath) != "-"
}

type ServerConfig struct {
	// Addr of the status server. Empty disables it.
	Addr string     `yaml:"addr" env:"HEARTBEAT_SERVER_ADDR"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type NotifyConfig struct {
	Email          EmailConfig `yaml:"email"`
	SummarySeconds int         `yaml:"summarySeconds"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled" env:"HEARTBEAT_NOTIFY_EMAIL_ENABLED"`
	Email    string `yaml:"email" env:"HEARTBEAT_NOTIFY_EMAIL"`
	AuthCode string `yaml:"authCode" env:"HEARTBEAT_NOTIFY_EMAIL_AUTH_CODE"`
}

func (c NotifyConfig) SummaryWindow() time.Duration {
	if c.SummarySeconds < 0 {
		return 0
	}
	if c.SummarySeconds == 0 {
		return 20 * time.Second
	}
	if c.SummarySeconds > 600 {
		return 600 * time.Second
	}
	return time.Duration(c.SummarySeconds) * time.Second
}

type LogConfig struct {
	BufferSize int    `yaml:"bufferSize"`
	Level      string `yaml:"level" env:"HEARTBEAT_LOG_LEVEL"`
}

// Load reads the yaml file at path, applies environment overrides, then
// fills defaults. An empty path skips the file and relies on the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Accounts.Path == "" {
		c.Accounts.Path = "./accounts.json"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://127.0.0.1:8080/mock"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.ClientInfo == "" {
		c.API.ClientInfo = "supabase-js-node/2.39.1"
	}
	if c.API.Retry.Count < 0 {
		c.API.Retry.Count = 0
	}
	if c.Limits.AccountQPS < 0 {
		c.Limits.AccountQPS = 0
	}
	if c.Limits.AccountBurst <= 0 {
		c.Limits.AccountBurst = 1
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/heartbeat.db"
	}
	if c.Log.BufferSize <= 0 {
		c.Log.BufferSize = 200
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) validate() error {
	if c.Accounts.Path == "" {
		return errors.New("accounts.path is required")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.baseURL is required")
	}
	if c.Notify.Email.Enabled && strings.TrimSpace(c.Notify.Email.Email) == "" {
		return errors.New("notify.email.email is required when email notifications are enabled")
	}
	return nil
}
