package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/regsync/internal/protocol/session"
)

func (h *Hub) writeHandshake(conn frameConn, msg session.Message) error {
	f, err := session.EncodeFrame(1, msg, h.cfg)
	if err != nil {
		return err
	}
	return conn.WriteFrame(f, time.Now().Add(h.cfg.HandshakeTimeout))
}

func (h *Hub) readHandshake(conn frameConn) (session.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	f, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	return session.DecodeFrame(f, h.cfg)
}

func (h *Hub) ack(status string, code uint32, message string) session.HelloAck {
	return session.HelloAck{
		Status:      status,
		Code:        code,
		Message:     message,
		PeerID:      string(h.id),
		Version:     session.ProtocolVersion,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

// accept runs the listening side of the handshake and starts the link on
// success. conn is closed on every failure path.
func (h *Hub) accept(conn frameConn) (PeerID, error) {
	msg, err := h.readHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(session.Hello)
	if !ok {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %T before hello", ErrUnexpectedMessage, msg)
	}
	peer := PeerID(hello.PeerID)
	log := h.logger.With().Str("peer", hello.PeerID).Str("role", hello.Role).Str("remote", conn.RemoteAddr()).Logger()

	reject := func(code uint32, cause error) (PeerID, error) {
		log.Warn().Err(cause).Uint32("code", code).Msg("hello rejected")
		_ = h.writeHandshake(conn, h.ack(session.AckStatusRejected, code, cause.Error()))
		_ = conn.Close()
		return peer, fmt.Errorf("%w: %w", ErrHandshakeRejected, cause)
	}

	if err := session.CheckVersion(hello.Version); err != nil {
		return reject(session.AckCodeIncompatibleVersion, err)
	}
	if identity, authenticated := conn.TLSIdentity(); authenticated && identity != hello.PeerID {
		return reject(session.AckCodeIdentityMismatch, fmt.Errorf("%w: certificate=%q hello=%q", ErrIdentityMismatch, identity, hello.PeerID))
	}
	link, err := h.register(peer, conn)
	if err != nil {
		if errors.Is(err, ErrHubClosed) {
			_ = conn.Close()
			return peer, err
		}
		return reject(session.AckCodeDuplicatePeer, err)
	}
	if err := h.writeHandshake(conn, h.ack(session.AckStatusAccepted, session.AckCodeOK, "")); err != nil {
		h.abandon(link)
		return peer, fmt.Errorf("write hello ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	h.start(link)
	return peer, nil
}

// greet runs the dialing side of the handshake and starts the link on
// success. conn is closed on every failure path.
func (h *Hub) greet(conn frameConn) (PeerID, error) {
	hello := session.Hello{PeerID: string(h.id), Version: session.ProtocolVersion, Role: h.role}
	if err := h.writeHandshake(conn, hello); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("write hello: %w", err)
	}
	msg, err := h.readHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("read hello ack: %w", err)
	}
	ack, ok := msg.(session.HelloAck)
	if !ok {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %T before hello ack", ErrUnexpectedMessage, msg)
	}
	peer := PeerID(ack.PeerID)
	if !ack.Accepted() {
		_ = conn.Close()
		return peer, fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, ack.Code, ack.Message)
	}
	if err := session.CheckVersion(ack.Version); err != nil {
		_ = conn.Close()
		return peer, err
	}
	link, err := h.register(peer, conn)
	if err != nil {
		_ = conn.Close()
		return peer, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	h.start(link)
	return peer, nil
}
