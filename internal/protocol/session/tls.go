package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrTLSRequired         = errors.New("session: tls required")
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
)

// ValidateServerTransport checks the listener side TLS settings.
func (c Config) ValidateServerTransport() error {
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if !c.TLS.Enabled {
		return nil
	}
	if strings.TrimSpace(c.TLS.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(c.TLS.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ValidateClientTransport checks the dialer side TLS settings.
func (c Config) ValidateClientTransport() error {
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	if !c.TLS.Enabled {
		return nil
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		if strings.TrimSpace(c.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ServerTLS builds the listener TLS config.
func (c Config) ServerTLS() (*tls.Config, error) {
	if err := c.ValidateServerTransport(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.TLS.Mutual {
		pool, err := loadPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLS builds the dialer TLS config for addr.
func (c Config) ClientTLS(addr string) (*tls.Config, error) {
	if err := c.ValidateClientTransport(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		cfg.ServerName = host
	}
	if ca := strings.TrimSpace(c.TLS.CAFile); ca != "" {
		pool, err := loadPool(ca)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
