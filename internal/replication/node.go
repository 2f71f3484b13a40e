package replication

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/rs/zerolog"
)

type NodeConfig struct {
	Directory *Directory
	// Authority is handed to every peer's receiver. Nil means Guest.
	Authority Authority
	// SyncOnJoin sends every registered path to a peer as soon as it joins.
	SyncOnJoin bool
	Logger     *zerolog.Logger
	// OnCommit runs after each committed session, on the sending peer's
	// reader goroutine.
	OnCommit func(Result)
}

// Node joins a Directory to a transport. It is the transport.Handler for a
// hub: incoming sync messages go to per-peer receivers, and joining peers
// get a full sync when SyncOnJoin is set.
type Node struct {
	dir        *Directory
	authority  Authority
	syncOnJoin bool
	logger     zerolog.Logger
	onCommit   func(Result)

	mu        sync.RWMutex
	tr        transport.Transport
	receivers map[transport.PeerID]*Receiver
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Directory == nil {
		return nil, errors.New("replication: node requires a directory")
	}
	n := &Node{
		dir:        cfg.Directory,
		authority:  cfg.Authority,
		syncOnJoin: cfg.SyncOnJoin,
		onCommit:   cfg.OnCommit,
		receivers:  make(map[transport.PeerID]*Receiver),
	}
	if n.authority == nil {
		n.authority = Guest
	}
	if cfg.Logger != nil {
		n.logger = *cfg.Logger
	} else {
		n.logger = cfg.Directory.logger
	}
	return n, nil
}

// Bind sets the transport used for outgoing syncs.
func (n *Node) Bind(tr transport.Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tr = tr
}

func (n *Node) Directory() *Directory {
	return n.dir
}

func (n *Node) currentTransport() transport.Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tr
}

// Broadcast syncs every path to every connected peer.
func (n *Node) Broadcast(ctx context.Context) error {
	return n.dir.SyncAll(ctx, n.currentTransport(), All())
}

// SyncPath syncs one path to every connected peer.
func (n *Node) SyncPath(ctx context.Context, path string) error {
	_, err := n.dir.Sync(ctx, n.currentTransport(), All(), path)
	return err
}

// Receiver returns the receiver for a connected peer.
func (n *Node) Receiver(peer transport.PeerID) (*Receiver, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.receivers[peer]
	return r, ok
}

func (n *Node) receiver(peer transport.PeerID) *Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receivers[peer]; ok {
		return r
	}
	r := n.dir.NewReceiver(peer, n.authority)
	if n.onCommit != nil {
		r.OnCommit(n.onCommit)
	}
	n.receivers[peer] = r
	return r
}

func (n *Node) HandleMessage(peer transport.PeerID, msg session.Message) {
	sm, ok := msg.(session.SyncMessage)
	if !ok {
		n.logger.Warn().Str("peer", string(peer)).Uint32("message_type", msg.MessageType()).Msg("ignoring non-sync message")
		return
	}
	_ = n.receiver(peer).Handle(sm)
}

func (n *Node) PeerJoined(peer transport.PeerID) {
	n.receiver(peer)
	if !n.syncOnJoin {
		return
	}
	if err := n.dir.SyncAll(context.Background(), n.currentTransport(), To(peer)); err != nil {
		n.logger.Error().Err(err).Str("peer", string(peer)).Msg("initial sync")
	}
}

func (n *Node) PeerLeft(peer transport.PeerID) {
	n.mu.Lock()
	r, ok := n.receivers[peer]
	delete(n.receivers, peer)
	n.mu.Unlock()
	if !ok {
		return
	}
	if open := r.Active(); len(open) > 0 {
		n.logger.Warn().Str("peer", string(peer)).Strs("paths", open).Msg("peer left with open sync sessions")
	}
}
