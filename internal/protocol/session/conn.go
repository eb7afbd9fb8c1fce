package session

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const readChunk = 32 * 1024

var ErrConnClosed = errors.New("session: connection closed")

var connSeq atomic.Uint64

// Conn is the framed codec bound to one transport connection.
//
// Reads are owned by a single reader goroutine. Writes go through
// WriteEnvelope and are issued by the outbound writer; the client side
// handshake request is the only write made outside of it.
type Conn struct {
	raw         net.Conn
	dec         *frame.Decoder
	buf         []byte
	contentType string
	limits      frame.Limits
	readIdle    time.Duration
	writeLimit  time.Duration

	seq     uint64
	host    string
	port    int
	remote  string
	writeMu sync.Mutex

	bindMu sync.RWMutex
	bound  string

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps raw using cfg's content type, limits and timeouts.
func NewConn(raw net.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	ct, err := protocol.NormalizeContentType(cfg.ContentType)
	if err != nil {
		ct = protocol.DefaultContentType
	}
	c := &Conn{
		raw:         raw,
		dec:         frame.NewDecoder(cfg.Limits),
		buf:         make([]byte, readChunk),
		contentType: ct,
		limits:      cfg.Limits,
		readIdle:    cfg.ReadTimeout,
		writeLimit:  cfg.WriteTimeout,
		seq:         connSeq.Add(1),
		done:        make(chan struct{}),
	}
	if addr := raw.RemoteAddr(); addr != nil {
		c.remote = addr.String()
		if host, port, err := net.SplitHostPort(c.remote); err == nil {
			c.host = host
			c.port, _ = strconv.Atoi(port)
		} else {
			c.host = c.remote
		}
	}
	return c
}

// Seq is a process-unique connection number.
func (c *Conn) Seq() uint64 { return c.seq }

func (c *Conn) RemoteAddr() string { return c.remote }

// Host and Port describe the remote endpoint.
func (c *Conn) Host() string { return c.host }
func (c *Conn) Port() int    { return c.port }

// Bind permanently associates a device id with this connection.
// Only the first call has effect; it reports whether id is now bound.
func (c *Conn) Bind(id string) bool {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.bound != "" {
		if c.bound != id {
			log.Warn().
				Str("remote", c.remote).
				Str("bound", c.bound).
				Str("attempted", id).
				Msg("session.Conn.Bind ignored: already bound")
		}
		return c.bound == id
	}
	c.bound = id
	return true
}

// BoundID returns the bound device id, or "" when unbound.
func (c *Conn) BoundID() string {
	c.bindMu.RLock()
	defer c.bindMu.RUnlock()
	return c.bound
}

// ReadEnvelopes performs one read and returns every envelope it completed.
// A payload that fails to decode is logged and skipped. Errors are returned
// for transport failures and framing violations, both fatal to the conn.
func (c *Conn) ReadEnvelopes() ([]protocol.Envelope, error) {
	if c.readIdle > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readIdle))
	}
	n, readErr := c.raw.Read(c.buf)
	var out []protocol.Envelope
	if n > 0 {
		frames, err := c.dec.Feed(c.buf[:n])
		out = c.decodeFrames(frames)
		if err != nil {
			return out, err
		}
	}
	if readErr != nil {
		return out, readErr
	}
	return out, nil
}

func (c *Conn) decodeFrames(frames []frame.Frame) []protocol.Envelope {
	if len(frames) == 0 {
		return nil
	}
	out := make([]protocol.Envelope, 0, len(frames))
	for _, fr := range frames {
		env, err := protocol.UnmarshalEnvelope(fr.Header.ContentType, fr.Header.ContentEncoding, fr.Payload)
		if err != nil {
			log.Error().
				Err(err).
				Str("remote", c.remote).
				Int("bytes", len(fr.Payload)).
				Msg("session.Conn.ReadEnvelopes decode failed")
			continue
		}
		out = append(out, env)
	}
	return out
}

// WriteEnvelope encodes env and sends it as one full-buffer write.
func (c *Conn) WriteEnvelope(env protocol.Envelope) error {
	if c.Closed() {
		return ErrConnClosed
	}
	payload, enc, err := protocol.MarshalEnvelope(env, c.contentType)
	if err != nil {
		return err
	}
	buf, err := frame.Encode(c.contentType, enc, payload, c.limits)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeLimit > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeLimit))
	}
	_, err = c.raw.Write(buf)
	return err
}

// Close shuts the transport. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
