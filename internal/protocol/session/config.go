package session

import (
	"net"
	"strconv"
	"time"

	"github.com/danmuck/adbctl/internal/protocol"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines how sessions reach the adb server.
type Config struct {
	Address            string
	ConnectTimeout     time.Duration
	FailMessageTimeout time.Duration
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Address:            net.JoinHostPort(protocol.DefaultHost, strconv.Itoa(protocol.DefaultPort)),
		ConnectTimeout:     5 * time.Second,
		FailMessageTimeout: 250 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.FailMessageTimeout <= 0 {
		c.FailMessageTimeout = def.FailMessageTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
