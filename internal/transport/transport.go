// Package transport carries session messages between peers.
//
// Every link is a single ordered stream of frames, so messages for one
// registry path arrive in the order they were sent. A Hub owns the links of
// one process and fans messages out to them.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/regsync/internal/protocol/session"
)

var (
	ErrUnknownPeer       = errors.New("transport: unknown peer")
	ErrDuplicatePeer     = errors.New("transport: peer already connected")
	ErrHubClosed         = errors.New("transport: hub closed")
	ErrHandshakeRejected = errors.New("transport: handshake rejected")
	ErrUnexpectedMessage = errors.New("transport: unexpected message")
	ErrIdentityMismatch  = errors.New("transport: peer identity mismatch")
)

// PeerID names the process at the other end of a link. It is the id the
// peer announced in its Hello.
type PeerID string

// Handler receives everything a Hub reads. Calls for one peer are made from
// that peer's reader goroutine in arrival order.
type Handler interface {
	HandleMessage(peer PeerID, msg session.Message)
	PeerJoined(peer PeerID)
	PeerLeft(peer PeerID)
}

// Transport is the sending side used by replication.
type Transport interface {
	SendToAll(ctx context.Context, msg session.Message) error
	SendToOne(ctx context.Context, peer PeerID, msg session.Message) error
	Peers() []PeerID
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Message func(PeerID, session.Message)
	Joined  func(PeerID)
	Left    func(PeerID)
}

func (h HandlerFuncs) HandleMessage(peer PeerID, msg session.Message) {
	if h.Message != nil {
		h.Message(peer, msg)
	}
}

func (h HandlerFuncs) PeerJoined(peer PeerID) {
	if h.Joined != nil {
		h.Joined(peer)
	}
}

func (h HandlerFuncs) PeerLeft(peer PeerID) {
	if h.Left != nil {
		h.Left(peer)
	}
}
