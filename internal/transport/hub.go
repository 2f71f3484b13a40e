package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/regsync/internal/logging"
	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/rs/zerolog"
)

// HubConfig describes the local end of every link a Hub owns.
type HubConfig struct {
	ID      PeerID
	Role    string
	Session session.Config
	Logger  *zerolog.Logger
}

// PeerInfo is a point-in-time view of one link.
type PeerInfo struct {
	ID       PeerID `json:"id"`
	Remote   string `json:"remote"`
	Pending  int    `json:"pending"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

// Hub owns the links of one process and implements Transport over them.
type Hub struct {
	id      PeerID
	role    string
	cfg     session.Config
	logger  zerolog.Logger
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	links  map[PeerID]*Link
	closed bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

func NewHub(cfg HubConfig, handler Handler) (*Hub, error) {
	if strings.TrimSpace(string(cfg.ID)) == "" {
		return nil, errors.New("transport: hub id required")
	}
	if strings.TrimSpace(cfg.Role) == "" {
		cfg.Role = "peer"
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	h := &Hub{
		id:      cfg.ID,
		role:    cfg.Role,
		cfg:     cfg.Session.WithDefaults(),
		handler: handler,
		links:   make(map[PeerID]*Link),
		conns:   make(map[net.Conn]struct{}),
	}
	if cfg.Logger != nil {
		h.logger = cfg.Logger.With().Str("hub", string(cfg.ID)).Logger()
	} else {
		h.logger = logging.Component("transport").With().Str("hub", string(cfg.ID)).Logger()
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

func (h *Hub) ID() PeerID {
	return h.id
}

func (h *Hub) Config() session.Config {
	return h.cfg
}

// Peers lists connected peers in sorted order.
func (h *Hub) Peers() []PeerID {
	h.mu.RLock()
	out := make([]PeerID, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	h.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (h *Hub) Snapshot() []PeerInfo {
	h.mu.RLock()
	out := make([]PeerInfo, 0, len(h.links))
	for id, l := range h.links {
		out = append(out, PeerInfo{
			ID:       id,
			Remote:   l.conn.RemoteAddr(),
			Pending:  l.Pending(),
			Sent:     l.sent.Load(),
			Received: l.received.Load(),
		})
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (h *Hub) SendToAll(ctx context.Context, msg session.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	links := make([]*Link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.RUnlock()

	var errs []error
	for _, l := range links {
		if err := l.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.peer, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) SendToOne(ctx context.Context, peer PeerID, msg session.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	l, ok := h.links[peer]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return l.Send(msg)
}

// Disconnect closes the link to peer if there is one.
func (h *Hub) Disconnect(peer PeerID) bool {
	h.mu.RLock()
	l, ok := h.links[peer]
	h.mu.RUnlock()
	if ok {
		l.Close()
	}
	return ok
}

// Close tears down every link and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.closeAllConns()
	h.wg.Wait()
}

// register reserves peer for a new link over conn. The link must then be
// passed to start or abandon.
func (h *Hub) register(peer PeerID, conn frameConn) (*Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if peer == h.id {
		return nil, fmt.Errorf("%w: %s is the local hub", ErrDuplicatePeer, peer)
	}
	if _, exists := h.links[peer]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, peer)
	}
	l := newLink(peer, conn, h.cfg, h.logger)
	h.links[peer] = l
	h.wg.Add(1)
	return l, nil
}

func (h *Hub) abandon(l *Link) {
	h.unregister(l)
	l.Close()
	h.wg.Done()
}

func (h *Hub) unregister(l *Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.links[l.peer]; ok && cur == l {
		delete(h.links, l.peer)
	}
}

// start runs a registered link until it closes.
func (h *Hub) start(l *Link) {
	go func() {
		defer h.wg.Done()
		h.logger.Info().Str("peer", string(l.peer)).Str("remote", l.conn.RemoteAddr()).Msg("peer joined")
		h.handler.PeerJoined(l.peer)
		l.run(h.ctx, func(msg session.Message) {
			h.handler.HandleMessage(l.peer, msg)
		})
		h.unregister(l)
		h.handler.PeerLeft(l.peer)
		h.logger.Info().Str("peer", string(l.peer)).Msg("peer left")
	}()
}

func (h *Hub) trackConn(conn net.Conn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) untrackConn(conn net.Conn) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	delete(h.conns, conn)
}

func (h *Hub) closeAllConns() {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, conn)
	}
}
