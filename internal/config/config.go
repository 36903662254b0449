// Package config loads livesync settings: built-in defaults, then an optional
// YAML file, then LIVESYNC_* environment overrides.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/megan/livesync/internal/ws"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVESYNC_"

// Config is the complete configuration of a livesync process.
type Config struct {
	APIURL      string `yaml:"api_url"`
	SocketURL   string `yaml:"socket_url"` // derived from api_url when empty
	SessionFile string `yaml:"session_file"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	JoinSettleDelay  time.Duration `yaml:"join_settle_delay"`
	TypingIdle       time.Duration `yaml:"typing_idle"`
	RemoteTypingTTL  time.Duration `yaml:"remote_typing_ttl"`
	RefreshDebounce  time.Duration `yaml:"refresh_debounce"`
	SendRefreshDelay time.Duration `yaml:"send_refresh_delay"`
	NoticeTTL        time.Duration `yaml:"notice_ttl"`
	StatsPeriod      string        `yaml:"stats_period"`
	MessagesPageSize int           `yaml:"messages_page_size"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables the view mirror when Addr is set.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig enables notice forwarding when URL is set.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// Default returns the dashboard's defaults.
func Default() Config {
	return Config{
		APIURL:           "http://localhost:5001/api",
		SessionFile:      "",
		ConnectTimeout:   20 * time.Second,
		RequestTimeout:   10 * time.Second,
		PingInterval:     25 * time.Second,
		JoinSettleDelay:  100 * time.Millisecond,
		TypingIdle:       2 * time.Second,
		RemoteTypingTTL:  0,
		RefreshDebounce:  300 * time.Millisecond,
		SendRefreshDelay: 500 * time.Millisecond,
		NoticeTTL:        4 * time.Second,
		StatsPeriod:      "7d",
		MessagesPageSize: 50,
		Logging:          LoggingConfig{Level: "info", Format: "console"},
		NATS:             NATSConfig{Name: "livesync"},
	}
}

// Load reads path (or the file named by LIVESYNC_CONFIG when path is empty)
// over the defaults, applies environment overrides and validates the result.
// A missing file is only an error when it was named explicitly.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = getenv(EnvPrefix + "CONFIG")
		explicit = path != ""
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "config: parse %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "config: %s%s", EnvPrefix, key)
			}
			*dst = d
		}
		return nil
	}

	str("API_URL", &cfg.APIURL)
	str("SOCKET_URL", &cfg.SocketURL)
	str("SESSION_FILE", &cfg.SessionFile)
	str("STATS_PERIOD", &cfg.StatsPeriod)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("NATS_URL", &cfg.NATS.URL)

	for key, dst := range map[string]*time.Duration{
		"CONNECT_TIMEOUT":    &cfg.ConnectTimeout,
		"REQUEST_TIMEOUT":    &cfg.RequestTimeout,
		"PING_INTERVAL":      &cfg.PingInterval,
		"JOIN_SETTLE_DELAY":  &cfg.JoinSettleDelay,
		"TYPING_IDLE":        &cfg.TypingIdle,
		"REMOTE_TYPING_TTL":  &cfg.RemoteTypingTTL,
		"REFRESH_DEBOUNCE":   &cfg.RefreshDebounce,
		"SEND_REFRESH_DELAY": &cfg.SendRefreshDelay,
		"NOTICE_TTL":         &cfg.NoticeTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(getenv(EnvPrefix + "MESSAGES_PAGE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "config: %sMESSAGES_PAGE_SIZE", EnvPrefix)
		}
		cfg.MessagesPageSize = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Errorf("config: api_url %q must be an http(s) URL", c.APIURL)
	}
	if c.SocketURL != "" {
		s, err := url.Parse(c.SocketURL)
		if err != nil || s.Host == "" || (s.Scheme != "ws" && s.Scheme != "wss") {
			return errors.Errorf("config: socket_url %q must be a ws(s) URL", c.SocketURL)
		}
	}

	for name, d := range map[string]time.Duration{
		"connect_timeout":    c.ConnectTimeout,
		"request_timeout":    c.RequestTimeout,
		"ping_interval":      c.PingInterval,
		"typing_idle":        c.TypingIdle,
		"refresh_debounce":   c.RefreshDebounce,
		"send_refresh_delay": c.SendRefreshDelay,
		"notice_ttl":         c.NoticeTTL,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.JoinSettleDelay < 0 || c.RemoteTypingTTL < 0 {
		return errors.New("config: join_settle_delay and remote_typing_ttl must not be negative")
	}

	switch c.StatsPeriod {
	case "1d", "7d", "30d":
	default:
		return errors.Errorf("config: stats_period %q must be 1d, 7d or 30d", c.StatsPeriod)
	}
	if c.MessagesPageSize <= 0 {
		return errors.Errorf("config: messages_page_size must be positive, got %d", c.MessagesPageSize)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return errors.Errorf("config: logging.format %q must be console or json", c.Logging.Format)
	}
	return nil
}

// Socket returns the realtime endpoint, derived from the API URL when not set
// explicitly.
func (c Config) Socket() (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	return ws.SocketURL(c.APIURL)
}
