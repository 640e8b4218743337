package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment override, e.g. CASTROUTER_LISTEN_ADDR.
const EnvPrefix = "castrouter"

type Config struct {
	ListenAddr string `json:"listen_addr" envconfig:"LISTEN_ADDR"`
	LogLevel   string `json:"log_level" envconfig:"LOG_LEVEL"`

	RequestTimeoutMS int `json:"request_timeout_ms" envconfig:"REQUEST_TIMEOUT_MS"`
	SweepIntervalMS  int `json:"sweep_interval_ms" envconfig:"SWEEP_INTERVAL_MS"`
	StopTimeoutMS    int `json:"stop_timeout_ms" envconfig:"STOP_TIMEOUT_MS"`
	ConnectRetries   int `json:"connect_retries" envconfig:"CONNECT_RETRIES"`

	MDNSQueryTimeoutMS int    `json:"mdns_query_timeout_ms" envconfig:"MDNS_QUERY_TIMEOUT_MS"`
	MinCastBuild       string `json:"min_cast_build" envconfig:"MIN_CAST_BUILD"`
	Eureka             bool   `json:"eureka" envconfig:"EUREKA"`
	EurekaRetries      int    `json:"eureka_retries" envconfig:"EUREKA_RETRIES"`

	ClientRateLimit float64 `json:"client_rate_limit" envconfig:"CLIENT_RATE_LIMIT"`
	ClientBurst     int     `json:"client_burst" envconfig:"CLIENT_BURST"`
}

// Default returns the settings written on first start.
func Default() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:8010",
		LogLevel:           "info",
		RequestTimeoutMS:   30000,
		SweepIntervalMS:    5000,
		StopTimeoutMS:      10000,
		ConnectRetries:     5,
		MDNSQueryTimeoutMS: 750,
		Eureka:             true,
		EurekaRetries:      2,
		ClientRateLimit:    20,
		ClientBurst:        40,
	}
}

// GetAppConfig loads the settings file from the user config directory,
// creating it with defaults when absent, and applies environment overrides.
func GetAppConfig() (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, fmt.Errorf("GetAppConfig: failed to access config path due to error %w", err)
	}

	return Load(path)
}

// Load is GetAppConfig for an explicit path.
func Load(path string) (*Config, error) {
	conf, err := readOrCreate(path)
	if err != nil {
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, conf); err != nil {
		return nil, fmt.Errorf("Load: failed to apply environment overrides due to error %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func readOrCreate(path string) (*Config, error) {
	cfgfile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, fmt.Errorf("Load: failed to create default path due to error %w", err)
			}

			conf := Default()
			if err := conf.save(path); err != nil {
				return nil, err
			}
			return conf, nil
		}

		return nil, fmt.Errorf("Load: failed to open config due to error %w", err)
	}
	defer cfgfile.Close()

	// Keys missing from an older file keep their defaults.
	conf := Default()
	if err := json.NewDecoder(cfgfile).Decode(conf); err != nil {
		return nil, fmt.Errorf("Load: failed to decode config due to error %w", err)
	}

	return conf, nil
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appPath: failed to get config file due to error %w", err)
	}

	return filepath.Join(oscfg, "castrouter", "settings.json"), nil
}

// Validate rejects settings the service cannot run with.
func (s *Config) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("Validate: listen_addr is empty")
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("Validate: bad log_level %q", s.LogLevel)
	}
	if s.RequestTimeoutMS <= 0 || s.SweepIntervalMS <= 0 || s.StopTimeoutMS <= 0 {
		return fmt.Errorf("Validate: timeouts must be positive")
	}
	if s.ClientRateLimit <= 0 || s.ClientBurst <= 0 {
		return fmt.Errorf("Validate: client rate limit must be positive")
	}
	return nil
}

func (s *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (s *Config) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

func (s *Config) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMS) * time.Millisecond
}

func (s *Config) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutMS) * time.Millisecond
}

func (s *Config) MDNSQueryTimeout() time.Duration {
	return time.Duration(s.MDNSQueryTimeoutMS) * time.Millisecond
}

// SaveAppConfig writes the settings back to the user config directory.
func (s *Config) SaveAppConfig() error {
	path, err := appPath()
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to access config path due to error %w", err)
	}

	return s.save(path)
}

func (s *Config) save(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to marshal json due to error %w", err)
	}

	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("SaveAppConfig: failed save config due to error %w", err)
	}

	return nil
}
