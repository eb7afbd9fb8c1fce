package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindHub  = "hub"
	KindNode = "node"
)

// Template returns a commented starter file for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindHub:
		return hubTemplate, nil
	case KindNode:
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hubTemplate = `# hubctl hub configuration
listen_addr = "127.0.0.1:65432"
# admin HTTP surface: /health /ready /metrics /devices /handlers
admin_addr = "127.0.0.1:7010"
workers = 8
queue_warn = 1024
# 0 accepts any number of connections
max_connections = 0
cors_origins = ["http://localhost:3000"]
# audio_dir = "media"

content_type = "application/json"
max_payload_bytes = 8388608
call_timeout = "10s"
handshake_timeout = "5s"
read_timeout = "0s"
write_timeout = "10s"

tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`

const nodeTemplate = `# hubctl node configuration
name = "node"
hub_address = "127.0.0.1:65432"
workers = 4
# 0 retries forever
max_connect_attempts = 0
reconnect = true
connect_timeout = "5s"
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true

content_type = "application/json"
max_payload_bytes = 8388608
call_timeout = "10s"
handshake_timeout = "5s"
read_timeout = "0s"
write_timeout = "10s"

tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
tls_server_name = ""
tls_insecure_skip_verify = false
`
