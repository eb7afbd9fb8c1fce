// Package session owns the per-connection side of the hub protocol.
//
// Ownership boundary:
// - Conn: framed envelope codec over one net.Conn, bind-once device identity
// - Config: timeouts, content type, frame limits, TLS
// - reconnect backoff primitives
package session
