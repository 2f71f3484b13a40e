package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/regsync/internal/protocol/session"
)

// Listen opens a TCP listener, wrapped in TLS when the session config asks
// for it.
func (h *Hub) Listen(addr string) (net.Listener, error) {
	if err := h.cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := h.cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Serve accepts peers on ln until ctx ends or the hub closes.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	if err := h.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	stopHub := context.AfterFunc(h.ctx, func() { _ = ln.Close() })
	defer stopHub()

	h.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || h.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		h.trackConn(conn)
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer h.untrackConn(conn)
	if err := h.authenticateConn(conn); err != nil {
		h.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("transport auth")
		_ = conn.Close()
		return
	}
	if _, err := h.accept(newStreamConn(conn, h.cfg.Limits)); err != nil {
		h.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake")
	}
}

// authenticateConn completes the TLS handshake and enforces client
// certificates when the config requires them.
func (h *Hub) authenticateConn(conn net.Conn) error {
	mode := session.NormalizeSecurityMode(h.cfg.SecurityMode)
	if !h.cfg.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return session.ErrTLSRequired
		}
		return nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return fmt.Errorf("transport: expected tls connection")
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	state := tlsConn.ConnectionState()
	needPeer := h.cfg.TLS.Mutual || mode == session.SecurityModeProduction
	if needPeer && len(state.PeerCertificates) == 0 {
		return session.ErrMTLSRequired
	}
	if needPeer && session.PeerIdentity(state.PeerCertificates[0]) == "" {
		return fmt.Errorf("transport: empty peer identity from certificate")
	}
	return nil
}

// Dial connects to a listening hub over TCP and runs the handshake,
// retrying with backoff up to MaxConnectAttempts. A rejected handshake is
// not retried.
func (h *Hub) Dial(ctx context.Context, addr string) (PeerID, error) {
	return h.connect(ctx, addr, func(ctx context.Context) (frameConn, error) {
		conn, err := h.dialTCP(ctx, addr)
		if err != nil {
			return nil, err
		}
		return newStreamConn(conn, h.cfg.Limits), nil
	})
}

func (h *Hub) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if err := h.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: h.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := h.cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	if tlsCfg == nil {
		return rawConn, nil
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (h *Hub) connect(ctx context.Context, target string, dial func(context.Context) (frameConn, error)) (PeerID, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dial(ctx)
		if err == nil {
			var peer PeerID
			peer, err = h.greet(conn)
			if err == nil {
				return peer, nil
			}
			if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrDuplicatePeer) || errors.Is(err, ErrHubClosed) {
				return peer, err
			}
		}
		h.logger.Warn().Err(err).Int("attempt", attempt).Str("target", target).Msg("dial")
		if !h.shouldRetry(attempt) {
			return "", err
		}
		if err := h.cfg.Backoff.Wait(ctx, attempt, rng); err != nil {
			return "", err
		}
	}
}

func (h *Hub) shouldRetry(attempt int) bool {
	if h.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < h.cfg.MaxConnectAttempts
}
