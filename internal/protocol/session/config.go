package session

import (
	"strings"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig enables TLS on the hub listener and node dialer.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session timing and encoding defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout is an idle limit between reads; zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CallTimeout  time.Duration
	ContentType  string
	Limits       frame.Limits
	Backoff      BackoffConfig
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      0,
		WriteTimeout:     10 * time.Second,
		CallTimeout:      10 * time.Second,
		ContentType:      protocol.DefaultContentType,
		Limits:           frame.DefaultLimits(),
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
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if strings.TrimSpace(c.ContentType) == "" {
		c.ContentType = def.ContentType
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits = def.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
