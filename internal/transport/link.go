package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Link is one handshaken peer connection. Sends are queued on an unbounded
// outbox and written by a dedicated goroutine so a slow peer never blocks
// the sender.
type Link struct {
	peer   PeerID
	conn   frameConn
	cfg    session.Config
	outbox *session.Outbox
	logger zerolog.Logger

	nextID    atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(peer PeerID, conn frameConn, cfg session.Config, logger zerolog.Logger) *Link {
	l := &Link{
		peer:   peer,
		conn:   conn,
		cfg:    cfg,
		outbox: session.NewOutbox(),
		logger: logger.With().Str("peer", string(peer)).Logger(),
		done:   make(chan struct{}),
	}
	l.nextID.Store(uint64(time.Now().UnixNano()))
	return l
}

func (l *Link) Peer() PeerID {
	return l.peer
}

// Send encodes msg and queues it. A frame over the payload limit fails with
// frame.ErrPayloadTooLarge before it is queued and leaves the link up.
func (l *Link) Send(msg session.Message) error {
	f, err := session.EncodeFrame(l.nextID.Add(1), msg, l.cfg)
	if err != nil {
		return err
	}
	return l.outbox.Push(f)
}

// Pending is the number of frames waiting to be written.
func (l *Link) Pending() int {
	return l.outbox.Len()
}

// Done is closed once both link goroutines have stopped.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.outbox.Close()
		_ = l.conn.Close()
	})
}

// run drives the link until the connection fails or ctx ends. Every decoded
// message is handed to deliver in arrival order.
func (l *Link) run(ctx context.Context, deliver func(session.Message)) {
	defer close(l.done)
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(ctx)
	}()
	pingerDone := make(chan struct{})
	go func() {
		defer close(pingerDone)
		l.keepalive(ctx)
	}()

	l.readLoop(deliver)
	l.Close()
	<-writerDone
	<-pingerDone
	l.logger.Debug().
		Uint64("sent", l.sent.Load()).
		Uint64("received", l.received.Load()).
		Int("outbox_peak", l.outbox.Peak()).
		Msg("link closed")
}

func (l *Link) writeLoop(ctx context.Context) {
	for {
		f, err := l.outbox.Pop(ctx)
		if err != nil {
			return
		}
		if err := l.conn.WriteFrame(f, time.Now().Add(l.cfg.WriteTimeout)); err != nil {
			if !isClosed(err) {
				l.logger.Warn().Err(err).Msg("write frame")
			}
			l.Close()
			return
		}
		l.sent.Add(1)
	}
}

// keepalive pings the peer every third of the idle timeout. The peer's reply
// resets this side's read deadline.
func (l *Link) keepalive(ctx context.Context) {
	every := session.KeepaliveInterval(l.cfg.IdleTimeout)
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.outbox.Done():
			return
		case <-ticker.C:
			if err := l.Send(session.NewPing()); err != nil {
				return
			}
		}
	}
}

func (l *Link) readLoop(deliver func(session.Message)) {
	for {
		if l.cfg.IdleTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
		}
		f, err := l.conn.ReadFrame()
		if err != nil {
			if !isClosed(err) {
				l.logger.Warn().Err(err).Msg("read frame")
			}
			return
		}
		l.received.Add(1)
		msg, err := session.DecodeFrame(f, l.cfg)
		if err != nil {
			// A frame that passed the header checks but not the schema is
			// dropped without tearing the link down.
			l.logger.Error().Err(err).Uint32("message_type", f.Header.MessageType).Msg("decode frame")
			continue
		}
		if p, ok := msg.(session.Ping); ok {
			if !p.Reply {
				_ = l.Send(p.Answer())
			}
			continue
		}
		deliver(msg)
	}
}

func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
