package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubctl/internal/handlers"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// connectLoop dials, serves one connection, and redials with backoff.
func (n *Node) connectLoop(ctx context.Context) error {
	retry := session.NewBackoff(n.cfg.Session.Backoff, n.cfg.MaxConnectAttempts, time.Now().UnixNano())
	for {
		conn, err := n.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			more := retry.Fail()
			log.Warn().
				Err(err).
				Int("attempt", retry.Attempt()).
				Str("hub", n.cfg.HubAddress).
				Msg("node.Node.connect failed")
			if !more {
				return fmt.Errorf("%w: %v", ErrConnectFailed, err)
			}
			if err := retry.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		retry.Reset()
		err = n.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if !n.cfg.Reconnect {
			if errors.Is(err, ErrDisconnected) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		log.Warn().Err(err).Str("hub", n.cfg.HubAddress).Msg("node.Node.connectLoop reconnecting")
		// A dropped session counts as the first failure of the next round.
		retry.Fail()
		if err := retry.Wait(ctx); err != nil {
			return nil
		}
	}
}

// connect dials the hub and sends the authenticate request.
func (n *Node) connect(ctx context.Context) (*session.Conn, error) {
	raw, err := n.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn := session.NewConn(raw, n.cfg.Session)
	if err := conn.WriteEnvelope(protocol.Envelope{Opcode: protocol.OpAuthenticate}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (n *Node) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: n.cfg.Session.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", n.cfg.HubAddress)
	if err != nil {
		return nil, err
	}
	if !n.cfg.Session.TLS.Enabled {
		return raw, nil
	}
	tlsCfg, err := n.cfg.Session.ClientTLS(n.cfg.HubAddress)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, n.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// serve reads conn until it fails or ctx ends. The hub must authenticate
// the node within the handshake timeout.
func (n *Node) serve(ctx context.Context, conn *session.Conn) error {
	n.setConn(conn)
	observability.AddConnections(1)
	log.Info().
		Str("node", n.cfg.Name).
		Str("hub", conn.RemoteAddr()).
		Msg("node.Node.serve connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	var timedOut atomic.Bool
	handshake := time.AfterFunc(n.cfg.Session.HandshakeTimeout, func() {
		if conn.BoundID() == "" {
			timedOut.Store(true)
			_ = conn.Close()
		}
	})
	defer func() {
		handshake.Stop()
		stop()
		_ = conn.Close()
		if dev, ok := n.devices.UnregisterConn(conn); ok {
			log.Info().Str("device", dev.ID()).Msg("node.Node.serve hub unregistered")
		}
		n.clearConn(conn)
		observability.AddConnections(-1)
	}()

	for {
		envs, err := conn.ReadEnvelopes()
		for _, env := range envs {
			n.submit(env, conn)
		}
		if err == nil {
			continue
		}
		if timedOut.Load() {
			return ErrHandshakeTimeout
		}
		if errors.Is(err, io.EOF) {
			return ErrDisconnected
		}
		return err
	}
}

func (n *Node) submit(env protocol.Envelope, conn *session.Conn) {
	_, err := n.pool.Submit("dispatch", func(ctx context.Context) error {
		err := n.dispatch.Dispatch(ctx, env, conn)
		if errors.Is(err, handlers.ErrDropped) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Warn().
			Err(err).
			Int("opcode", env.Opcode).
			Msg("node.Node.submit rejected")
	}
}
