// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is unset. It may be absent.
const DefaultPath = "config.yaml"

// Config holds all configuration for the service.
type Config struct {
	// Mailbox provider
	MailAPIURL     string
	RequestTimeout time.Duration

	// Poll loop
	PollInterval    time.Duration
	PollConcurrency int

	// Provisioning
	PropagationDelay time.Duration
	MintAttempts     int

	// Notifications (mock provider when the token is empty)
	TelegramToken  string
	TelegramAPIURL string

	// Counters (memory when RedisURL is empty)
	RedisURL           string
	RedisKey           string
	StatsFlushInterval time.Duration

	// Persistence for in-memory counters
	StorageBucket   string
	LocalStorage    string
	StorageEndpoint string // GCS emulator

	// Server
	Port               string
	ProvisionPerMinute int

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Mail struct {
		APIURL         string `yaml:"api_url"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"mail"`
	Poll struct {
		Interval    string `yaml:"interval"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"poll"`
	Provision struct {
		PropagationDelay string `yaml:"propagation_delay"`
		MintAttempts     int    `yaml:"mint_attempts"`
		PerMinute        int    `yaml:"per_minute"`
	} `yaml:"provision"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		APIURL   string `yaml:"api_url"`
	} `yaml:"telegram"`
	Redis struct {
		URL string `yaml:"url"`
		Key string `yaml:"key"`
	} `yaml:"redis"`
	Storage struct {
		Bucket    string `yaml:"bucket"`
		LocalPath string `yaml:"local_path"`
		Endpoint  string `yaml:"endpoint"`
	} `yaml:"storage"`
	Stats struct {
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"stats"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads the YAML file at path (with ${VAR} expansion) and applies
// environment overrides. An empty path means CONFIG_PATH or DefaultPath; a
// missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	var raw rawConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	requestTimeout, err := durationOrDefault(raw.Mail.RequestTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mail.request_timeout: %w", err)
	}
	pollInterval, err := durationOrDefault(raw.Poll.Interval, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("poll.interval: %w", err)
	}
	propagation, err := durationOrDefault(raw.Provision.PropagationDelay, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("provision.propagation_delay: %w", err)
	}
	flush, err := durationOrDefault(raw.Stats.FlushInterval, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("stats.flush_interval: %w", err)
	}

	cfg := &Config{
		MailAPIURL:         envOrDefault("MAIL_API_URL", firstNonEmpty(raw.Mail.APIURL, "https://api.mail.tm")),
		RequestTimeout:     envOrDefaultDuration("REQUEST_TIMEOUT", requestTimeout),
		PollInterval:       envOrDefaultDuration("POLL_INTERVAL", pollInterval),
		PollConcurrency:    envOrDefaultInt("POLL_CONCURRENCY", intOrDefault(raw.Poll.Concurrency, 8)),
		PropagationDelay:   envOrDefaultDuration("PROPAGATION_DELAY", propagation),
		MintAttempts:       envOrDefaultInt("MINT_ATTEMPTS", intOrDefault(raw.Provision.MintAttempts, 3)),
		TelegramToken:      envOrDefault("TELEGRAM_BOT_TOKEN", raw.Telegram.BotToken),
		TelegramAPIURL:     envOrDefault("TELEGRAM_API_URL", raw.Telegram.APIURL),
		RedisURL:           envOrDefault("REDIS_URL", raw.Redis.URL),
		RedisKey:           envOrDefault("REDIS_KEY", firstNonEmpty(raw.Redis.Key, "tempmail:stats")),
		StatsFlushInterval: envOrDefaultDuration("STATS_FLUSH_INTERVAL", flush),
		StorageBucket:      envOrDefault("STORAGE_BUCKET", raw.Storage.Bucket),
		LocalStorage:       envOrDefault("LOCAL_STORAGE", raw.Storage.LocalPath),
		StorageEndpoint:    envOrDefault("STORAGE_ENDPOINT", raw.Storage.Endpoint),
		Port:               envOrDefault("PORT", firstNonEmpty(raw.Server.Port, "8080")),
		ProvisionPerMinute: envOrDefaultInt("PROVISION_PER_MINUTE", intOrDefault(raw.Provision.PerMinute, 10)),
		LogLevel:           envOrDefault("LOG_LEVEL", firstNonEmpty(raw.Log.Level, "info")),
	}

	// Default to local storage if no bucket specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.StatsFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("stats flush interval must be positive, got %s", c.StatsFlushInterval))
	}
	if c.PropagationDelay < 0 {
		errs = append(errs, fmt.Errorf("propagation delay must not be negative, got %s", c.PropagationDelay))
	}
	if c.PollConcurrency < 1 {
		errs = append(errs, fmt.Errorf("poll concurrency must be at least 1, got %d", c.PollConcurrency))
	}
	if c.MintAttempts < 1 {
		errs = append(errs, fmt.Errorf("mint attempts must be at least 1, got %d", c.MintAttempts))
	}
	if c.ProvisionPerMinute < 1 {
		errs = append(errs, fmt.Errorf("provision rate must be at least 1 per minute, got %d", c.ProvisionPerMinute))
	}
	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

func durationOrDefault(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func intOrDefault(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
