package session

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/regsync/internal/protocol/frame"
	"github.com/eapache/queue"
)

var ErrOutboxClosed = errors.New("session: outbox closed")

// Outbox is an unbounded FIFO of encoded frames waiting for one peer's writer.
// Large registries stream one Content frame per entry, so pushes never block
// on the network.
type Outbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	peak   int
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func NewOutbox() *Outbox {
	return &Outbox{
		q:     queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (o *Outbox) Push(f frame.Frame) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.q.Add(f)
	if n := o.q.Length(); n > o.peak {
		o.peak = n
	}
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a frame is queued. After Close it drains what is left,
// then returns ErrOutboxClosed.
func (o *Outbox) Pop(ctx context.Context) (frame.Frame, error) {
	for {
		o.mu.Lock()
		if o.q.Length() > 0 {
			f := o.q.Remove().(frame.Frame)
			o.mu.Unlock()
			return f, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return frame.Frame{}, ErrOutboxClosed
		}

		select {
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		case <-o.ready:
		case <-o.done:
		}
	}
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Length()
}

// Peak is the deepest the queue has been.
func (o *Outbox) Peak() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peak
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}
