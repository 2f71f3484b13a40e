package replication

import (
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/rs/zerolog"
)

// Receiver routes one peer's sync messages to per-path sessions. Sessions
// for different paths are independent.
type Receiver struct {
	peer      transport.PeerID
	dir       *Directory
	authority Authority
	logger    zerolog.Logger
	onCommit  func(Result)

	mu       sync.Mutex
	sessions map[string]*Session
}

func (d *Directory) NewReceiver(peer transport.PeerID, authority Authority) *Receiver {
	if authority == nil {
		authority = Guest
	}
	return &Receiver{
		peer:      peer,
		dir:       d,
		authority: authority,
		logger:    d.logger,
		sessions:  make(map[string]*Session),
	}
}

// OnCommit installs a hook run after every successful End.
func (r *Receiver) OnCommit(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCommit = fn
}

// session returns the session for path, creating it on first use. Callers
// hold r.mu.
func (r *Receiver) session(path string) (*Session, error) {
	if s, ok := r.sessions[path]; ok {
		return s, nil
	}
	reg, ok := r.dir.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegistry, path)
	}
	s := newSession(r.peer, reg, r.authority, r.logger, r.dir.metrics)
	r.sessions[path] = s
	return s, nil
}

// Handle applies one message. Errors are already logged and never leave a
// session in a broken state; they are returned for callers that count them.
func (r *Receiver) Handle(msg session.SyncMessage) error {
	r.mu.Lock()
	res, committed, err := r.handle(msg)
	hook := r.onCommit
	r.mu.Unlock()
	if committed && hook != nil {
		hook(res)
	}
	return err
}

func (r *Receiver) handle(msg session.SyncMessage) (Result, bool, error) {
	s, err := r.session(msg.SyncPath())
	if err != nil {
		r.dir.metrics.Dropped(msg.SyncPath(), DropUnknownPath)
		r.logger.Error().Err(err).Str("peer", string(r.peer)).Msg("sync session aborted")
		return Result{}, false, err
	}
	switch m := msg.(type) {
	case session.Start:
		return Result{}, false, s.HandleStart()
	case session.Content:
		return Result{}, false, s.HandleContent(m)
	case session.End:
		res, err := s.HandleEnd()
		if err != nil {
			r.logger.Error().Err(err).Str("peer", string(r.peer)).Msg("sync end")
			return res, false, err
		}
		return res, true, nil
	default:
		return Result{}, false, fmt.Errorf("replication: unexpected sync message %T", msg)
	}
}

// Active lists paths with an open session.
func (r *Receiver) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for path, s := range r.sessions {
		if s.Active() {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}
