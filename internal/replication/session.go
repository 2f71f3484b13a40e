package replication

import (
	"errors"
	"fmt"

	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/rs/zerolog"
)

// Authority tells a receiver whether it is also the origin of the data it
// receives. An origin never adopts what it is sent; it reinstalls its own
// live map instead.
type Authority interface {
	IsOrigin() bool
}

type staticAuthority bool

func (a staticAuthority) IsOrigin() bool { return bool(a) }

var (
	// Guest adopts received data.
	Guest Authority = staticAuthority(false)
	// Origin refreshes from its own live map on every End.
	Origin Authority = staticAuthority(true)
)

// Result describes one committed session.
type Result struct {
	Path       string
	Peer       transport.PeerID
	Received   int
	Dropped    int
	Committed  int
	SelfHosted bool
}

// Session is the receiving state machine for one (path, peer) pair:
// idle until Start, staging until End, then idle again. It is driven by a
// single goroutine, the peer's reader.
type Session struct {
	path      string
	peer      transport.PeerID
	reg       Syncable
	authority Authority
	logger    zerolog.Logger
	metrics   Metrics

	stage    registry.Staging
	received int
	dropped  int
}

func newSession(peer transport.PeerID, reg Syncable, authority Authority, logger zerolog.Logger, metrics Metrics) *Session {
	return &Session{
		path:      reg.Path(),
		peer:      peer,
		reg:       reg,
		authority: authority,
		logger:    logger.With().Str("path", reg.Path()).Str("peer", string(peer)).Logger(),
		metrics:   metrics,
	}
}

func (s *Session) Path() string {
	return s.path
}

// Active reports whether a Start has been seen without its End.
func (s *Session) Active() bool {
	return s.stage != nil
}

// HandleStart opens a fresh staging buffer. A Start while already staging
// discards the open buffer and returns ErrSessionInterleaved; the new
// session still begins.
func (s *Session) HandleStart() error {
	var err error
	if s.stage != nil {
		err = fmt.Errorf("%w: %s from %s, %d staged entries discarded", ErrSessionInterleaved, s.path, s.peer, s.stage.Len())
		s.logger.Error().Err(err).Msg("sync start")
	}
	s.stage = s.reg.OpenStage()
	s.received = 0
	s.dropped = 0
	return err
}

// HandleContent stages one entry. A failure drops only that entry.
func (s *Session) HandleContent(c session.Content) error {
	if s.stage == nil {
		s.metrics.Dropped(s.path, DropNoSession)
		s.logger.Warn().Str("id", c.ID.String()).Msg("content outside a sync session")
		return fmt.Errorf("%w: content for %s", ErrNoActiveSession, s.path)
	}
	s.received++
	if err := s.stage.Put(c.ID, c.Tag, c.Payload); err != nil {
		s.dropped++
		reason := DropDecode
		if errors.Is(err, registry.ErrDuplicateID) {
			reason = DropDuplicate
		} else {
			err = fmt.Errorf("%w: %s %s: %w", ErrNetworkDecode, s.path, c.ID, err)
		}
		s.metrics.Dropped(s.path, reason)
		s.logger.Error().Err(err).Str("id", c.ID.String()).Str("tag", c.Tag.String()).Msg("dropped sync entry")
		return err
	}
	return nil
}

// HandleEnd commits the session. A guest adopts the staged entries; an
// origin discards them and reinstalls its current live map. Either way the
// registry runs a full reload cycle, so holders rebind and callbacks fire.
func (s *Session) HandleEnd() (Result, error) {
	if s.stage == nil {
		s.metrics.Dropped(s.path, DropNoSession)
		return Result{}, fmt.Errorf("%w: end for %s", ErrNoActiveSession, s.path)
	}
	st := s.stage
	s.stage = nil
	res := Result{
		Path:       s.path,
		Peer:       s.peer,
		Received:   s.received,
		Dropped:    s.dropped,
		SelfHosted: s.authority.IsOrigin(),
	}

	var err error
	if res.SelfHosted {
		res.Committed, err = s.reg.Refresh()
	} else {
		res.Committed, err = s.reg.Commit(st)
	}
	if err != nil {
		return res, fmt.Errorf("replication: commit %s: %w", s.path, err)
	}
	s.metrics.Committed(s.path, res.Committed, res.SelfHosted)
	s.logger.Info().
		Int("received", res.Received).
		Int("dropped", res.Dropped).
		Int("committed", res.Committed).
		Bool("self_hosted", res.SelfHosted).
		Msg("sync committed")
	return res, nil
}
