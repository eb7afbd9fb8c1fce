package node

import (
	"strings"

	"github.com/danmuck/hubctl/internal/protocol/session"
)

// Config is the node's hub connection and worker configuration.
type Config struct {
	Name       string
	HubAddress string
	Workers    int
	// MaxConnectAttempts bounds consecutive failed dials; zero retries forever.
	MaxConnectAttempts int
	// Reconnect redials after an established hub connection drops.
	Reconnect bool
	Session   session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:       "node",
		HubAddress: "127.0.0.1:65432",
		Workers:    4,
		Reconnect:  true,
		Session:    session.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = def.Name
	}
	c.HubAddress = strings.TrimSpace(c.HubAddress)
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxConnectAttempts < 0 {
		c.MaxConnectAttempts = 0
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Validate reports configuration the node cannot start with.
func (c Config) Validate() error {
	if c.HubAddress == "" {
		return ErrHubAddressRequired
	}
	return c.Session.ValidateClientTransport()
}
