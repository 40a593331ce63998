package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application settings. Values are loaded from YAML and
// then overridden by PAPERTRADE_* environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Ledger struct {
		InitialCash    string `yaml:"initial_cash"`     // Decimal string, e.g. "10000"
		MaxOrderShares int64  `yaml:"max_order_shares"` // Upper bound per trade
		MaxTickAgeSec  int    `yaml:"max_tick_age_sec"` // 0 disables the staleness bound
	} `yaml:"ledger"`

	Feed struct {
		URL                  string `yaml:"url"` // Empty disables the live feed (simulation only)
		HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
		ReconnectBaseMS      int    `yaml:"reconnect_base_ms"`
		ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	} `yaml:"feed"`

	Quotes struct {
		URL            string  `yaml:"url"` // REST quote endpoint; empty disables on-demand fetches
		TimeoutSec     int     `yaml:"timeout_sec"`
		RequestsPerSec float64 `yaml:"requests_per_sec"`
		Burst          int     `yaml:"burst"`
	} `yaml:"quotes"`

	Simulation struct {
		MinIntervalMS    int     `yaml:"min_interval_ms"`
		MaxIntervalMS    int     `yaml:"max_interval_ms"`
		MaxChangePct     float64 `yaml:"max_change_pct"`
		ClosedVolFactor  float64 `yaml:"closed_vol_factor"`
		SubscriberBuffer int     `yaml:"subscriber_buffer"`
	} `yaml:"simulation"`

	Calendar struct {
		OpenHour  int    `yaml:"open_hour"`
		CloseHour int    `yaml:"close_hour"`
		Timezone  string `yaml:"timezone"`
	} `yaml:"calendar"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = AppName
	cfg.App.Version = "dev"
	cfg.Ledger.InitialCash = "10000"
	cfg.Ledger.MaxOrderShares = 100000
	cfg.Ledger.MaxTickAgeSec = 0
	cfg.Feed.HeartbeatIntervalSec = 30
	cfg.Feed.ReconnectBaseMS = 1000
	cfg.Feed.ReconnectMaxAttempts = 3
	cfg.Quotes.TimeoutSec = 10
	cfg.Quotes.RequestsPerSec = 5
	cfg.Quotes.Burst = 5
	cfg.Simulation.MinIntervalMS = 1000
	cfg.Simulation.MaxIntervalMS = 4000
	cfg.Simulation.MaxChangePct = 2.0
	cfg.Simulation.ClosedVolFactor = 0.3
	cfg.Simulation.SubscriberBuffer = 64
	cfg.Calendar.OpenHour = 9
	cfg.Calendar.CloseHour = 17
	cfg.Calendar.Timezone = "Europe/Amsterdam"
	cfg.Server.Addr = ":8080"
	cfg.Logging.Level = "info"
	return &cfg
}

// LoadConfig reads and parses the config file at path. A missing file is
// not an error: defaults plus env overrides apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Feed.URL != "" && !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("invalid feed URL: %s", c.Feed.URL)
	}
	if c.Ledger.MaxOrderShares <= 0 {
		return fmt.Errorf("max_order_shares must be positive")
	}
	if c.Feed.ReconnectBaseMS <= 0 {
		return fmt.Errorf("reconnect_base_ms must be positive")
	}
	if c.Feed.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect_max_attempts must not be negative")
	}
	if c.Simulation.MinIntervalMS <= 0 || c.Simulation.MaxIntervalMS < c.Simulation.MinIntervalMS {
		return fmt.Errorf("simulation interval range is invalid")
	}
	if c.Calendar.OpenHour < 0 || c.Calendar.CloseHour > 24 || c.Calendar.OpenHour >= c.Calendar.CloseHour {
		return fmt.Errorf("calendar hours are invalid: open=%d close=%d", c.Calendar.OpenHour, c.Calendar.CloseHour)
	}
	return nil
}

// overrideWithEnv applies PAPERTRADE_* environment variables on top of
// the file values. Env vars win over the config file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PAPERTRADE_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("PAPERTRADE_QUOTES_URL"); v != "" {
		cfg.Quotes.URL = v
	}
	if v := os.Getenv("PAPERTRADE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PAPERTRADE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PAPERTRADE_INITIAL_CASH"); v != "" {
		cfg.Ledger.InitialCash = v
	}
	if v := os.Getenv("PAPERTRADE_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.ReconnectMaxAttempts = n
		}
	}
}
