// Package config loads hub and node TOML files. Keys present in a file
// overlay the package defaults; absent keys keep them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/node"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

var (
	ErrInvalidConfig = errors.New("config: invalid")
	ErrUnknownKey    = errors.New("config: unknown key")
)

// sessionFile holds the transport keys shared by hub.toml and node.toml.
type sessionFile struct {
	ContentType      string `toml:"content_type"`
	MaxPayloadBytes  int64  `toml:"max_payload_bytes"`
	CallTimeout      string `toml:"call_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	TLSEnabled       bool   `toml:"tls_enabled"`
	TLSMutual        bool   `toml:"tls_mutual"`
	TLSCertFile      string `toml:"tls_cert_file"`
	TLSKeyFile       string `toml:"tls_key_file"`
	TLSCAFile        string `toml:"tls_ca_file"`
}

type hubFile struct {
	sessionFile
	ListenAddr     string   `toml:"listen_addr"`
	AdminAddr      string   `toml:"admin_addr"`
	Workers        int      `toml:"workers"`
	QueueWarn      int      `toml:"queue_warn"`
	MaxConnections int      `toml:"max_connections"`
	CorsOrigins    []string `toml:"cors_origins"`
	AudioDir       string   `toml:"audio_dir"`
}

type nodeFile struct {
	sessionFile
	Name               string  `toml:"name"`
	HubAddress         string  `toml:"hub_address"`
	Workers            int     `toml:"workers"`
	ConnectTimeout     string  `toml:"connect_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	Reconnect          bool    `toml:"reconnect"`
	BackoffInitial     string  `toml:"backoff_initial"`
	BackoffMax         string  `toml:"backoff_max"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
	TLSServerName      string  `toml:"tls_server_name"`
	TLSInsecure        bool    `toml:"tls_insecure_skip_verify"`
}

// LoadHub reads a hub config file over hub.DefaultConfig.
func LoadHub(path string) (hub.Config, error) {
	cfg := hub.DefaultConfig()
	var raw hubFile
	meta, err := decode(path, &raw)
	if err != nil {
		return hub.Config{}, err
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("queue_warn") {
		cfg.QueueWarn = raw.QueueWarn
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("audio_dir") {
		cfg.AudioDir = strings.TrimSpace(raw.AudioDir)
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Session); err != nil {
		return hub.Config{}, err
	}
	if err := ValidateHub(cfg); err != nil {
		return hub.Config{}, err
	}
	return cfg, nil
}

// LoadNode reads a node config file over node.DefaultConfig.
func LoadNode(path string) (node.Config, error) {
	cfg := node.DefaultConfig()
	var raw nodeFile
	meta, err := decode(path, &raw)
	if err != nil {
		return node.Config{}, err
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("hub_address") {
		cfg.HubAddress = strings.TrimSpace(raw.HubAddress)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return node.Config{}, err
		}
		*d.dst = v
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLSInsecure
	}
	if err := applySession(meta, raw.sessionFile, &cfg.Session); err != nil {
		return node.Config{}, err
	}
	if err := ValidateNode(cfg); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}

func decode(path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return meta, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return meta, fmt.Errorf("%w in %s: %s", ErrUnknownKey, path, strings.Join(keys, ", "))
	}
	return meta, nil
}

func applySession(meta toml.MetaData, raw sessionFile, cfg *session.Config) error {
	if meta.IsDefined("content_type") {
		cfg.ContentType = strings.TrimSpace(raw.ContentType)
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}

func ValidateHub(cfg hub.Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if cfg.Workers < 0 || cfg.QueueWarn < 0 || cfg.MaxConnections < 0 {
		return fmt.Errorf("%w: workers, queue_warn and max_connections must not be negative", ErrInvalidConfig)
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func ValidateNode(cfg node.Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.HubAddress) == "" {
		return fmt.Errorf("%w: hub_address is required", ErrInvalidConfig)
	}
	if cfg.Workers < 0 || cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: workers and max_connect_attempts must not be negative", ErrInvalidConfig)
	}
	if m := cfg.Session.Backoff.Multiplier; m != 0 && m < 1 {
		return fmt.Errorf("%w: backoff_multiplier must be at least 1", ErrInvalidConfig)
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateSession(cfg session.Config) error {
	if strings.TrimSpace(cfg.ContentType) != "" {
		if _, err := protocol.NormalizeContentType(cfg.ContentType); err != nil {
			return fmt.Errorf("%w: content_type: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.Limits.MaxPayloadBytes < 0 {
		return fmt.Errorf("%w: max_payload_bytes must not be negative", ErrInvalidConfig)
	}
	return nil
}
