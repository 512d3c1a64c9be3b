package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/adbctl/internal/logging"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
)

// ClientConfig is the resolved adbctl client configuration.
type ClientConfig struct {
	Host               string
	Port               int
	Serial             string
	ConnectTimeout     time.Duration
	FailMessageTimeout time.Duration
	LogLevel           string
	MetricsAddr        string
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

type fileConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Serial             string `toml:"serial"`
	ConnectTimeout     string `toml:"connect_timeout"`
	FailMessageTimeout string `toml:"fail_message_timeout"`
	LogLevel           string `toml:"log_level"`
	MetricsAddr        string `toml:"metrics_addr"`
	BackoffInitial     string `toml:"backoff_initial"`
	BackoffMax         string `toml:"backoff_max"`
}

func DefaultClientConfig() ClientConfig {
	def := session.DefaultConfig()
	return ClientConfig{
		Host:               protocol.DefaultHost,
		Port:               protocol.DefaultPort,
		ConnectTimeout:     def.ConnectTimeout,
		FailMessageTimeout: def.FailMessageTimeout,
		LogLevel:           "info",
		BackoffInitial:     def.Backoff.InitialDelay,
		BackoffMax:         def.Backoff.MaxDelay,
	}
}

// LoadClientConfig applies the keys defined in path on top of the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("serial") {
		cfg.Serial = strings.TrimSpace(raw.Serial)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"fail_message_timeout", raw.FailMessageTimeout, &cfg.FailMessageTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.BackoffInitial},
		{"backoff_max", raw.BackoffMax, &cfg.BackoffMax},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("client config missing host")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("client config port %d out of range", cfg.Port)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("client config connect_timeout must be positive")
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("client config unknown log_level %q", cfg.LogLevel)
		}
	}
	if cfg.BackoffMax > 0 && cfg.BackoffInitial > cfg.BackoffMax {
		return fmt.Errorf("client config backoff_initial exceeds backoff_max")
	}
	return nil
}

// Address is the adb server endpoint.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ClientConfig) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Address = c.Address()
	if c.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.ConnectTimeout
	}
	if c.FailMessageTimeout > 0 {
		cfg.FailMessageTimeout = c.FailMessageTimeout
	}
	if c.BackoffInitial > 0 {
		cfg.Backoff.InitialDelay = c.BackoffInitial
	}
	if c.BackoffMax > 0 {
		cfg.Backoff.MaxDelay = c.BackoffMax
	}
	return cfg
}
