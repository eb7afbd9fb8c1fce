// Package tlstest issues throwaway certificates for transport tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/hubctl/internal/protocol/session"
)

var serial atomic.Int64

// Authority is a single-level test CA written to dir/ca.crt.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	dir    string
	caPath string
}

func NewAuthority(t testing.TB, dir string) *Authority {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: "hubctl test ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	caPath := filepath.Join(dir, "ca.crt")
	writePEM(t, caPath, "CERTIFICATE", der, 0o644)
	return &Authority{cert: cert, key: key, dir: dir, caPath: caPath}
}

func (a *Authority) CAFile() string { return a.caPath }

// HubTLS returns listener settings for a hub bound to loopback. With
// mutual set, clients must present a certificate from this authority.
func (a *Authority) HubTLS(t testing.TB, mutual bool) session.TLSConfig {
	t.Helper()
	cert, key := a.issue(t, "hub", x509.ExtKeyUsageServerAuth, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	return session.TLSConfig{
		Enabled:  true,
		Mutual:   mutual,
		CertFile: cert,
		KeyFile:  key,
		CAFile:   a.caPath,
	}
}

// NodeTLS returns dialer settings trusting this authority. With mutual
// set, a client certificate named name is issued.
func (a *Authority) NodeTLS(t testing.TB, name string, mutual bool) session.TLSConfig {
	t.Helper()
	cfg := session.TLSConfig{
		Enabled:    true,
		Mutual:     mutual,
		CAFile:     a.caPath,
		ServerName: "127.0.0.1",
	}
	if mutual {
		cfg.CertFile, cfg.KeyFile = a.issue(t, name, x509.ExtKeyUsageClientAuth, nil, nil)
	}
	return cfg
}

func (a *Authority) issue(t testing.TB, name string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create %s cert: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}
	base := sanitize(name)
	certPath := filepath.Join(a.dir, base+".crt")
	keyPath := filepath.Join(a.dir, base+".key")
	writePEM(t, certPath, "CERTIFICATE", der, 0o644)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER, 0o600)
	return certPath, keyPath
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
