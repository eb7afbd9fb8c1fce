package hub

import (
	"strings"

	"github.com/danmuck/hubctl/internal/pool"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

// Config is the hub listener, admin surface and worker configuration.
type Config struct {
	ListenAddr string
	// AdminAddr enables the HTTP admin surface when set.
	AdminAddr string
	Workers   int
	QueueWarn int
	// MaxConnections bounds concurrently open connections; zero is unlimited.
	MaxConnections int
	CorsOrigins    []string
	// AudioDir stores incoming audio streams as files when set.
	AudioDir string
	Session  session.Config
}

func DefaultConfig() Config {
	pc := pool.DefaultConfig()
	return Config{
		ListenAddr:     "127.0.0.1:65432",
		AdminAddr:      "",
		Workers:        pc.Workers,
		QueueWarn:      pc.QueueWarn,
		MaxConnections: 0,
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	c.AdminAddr = strings.TrimSpace(c.AdminAddr)
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueWarn <= 0 {
		c.QueueWarn = def.QueueWarn
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{Workers: c.Workers, QueueWarn: c.QueueWarn}
}
