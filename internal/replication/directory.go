// Package replication pushes registry contents to peers and applies what
// peers push back.
//
// A sync for one path is always Start, then one Content per live entry,
// then End. The sending side is a Directory; the receiving side is a
// Session per (path, peer), owned by that peer's Receiver.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/danmuck/regsync/internal/protocol/frame"
	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/rs/zerolog"
)

// Syncable is the type-erased view of a registry that replication needs.
// *registry.Registry[V] implements it for every V.
type Syncable interface {
	Path() string
	Synced() bool
	EncodeLive(fn func(id, tag ident.ID, data []byte) error) error
	OpenStage() registry.Staging
	Commit(st registry.Staging) (int, error)
	Refresh() (int, error)
}

// Metrics receives replication counters.
type Metrics interface {
	Sent(path string, entries int)
	Committed(path string, entries int, selfHosted bool)
	Dropped(path, reason string)
}

// Drop reasons reported to Metrics.
const (
	DropDecode      = "decode"
	DropDuplicate   = "duplicate"
	DropNoSession   = "no_session"
	DropOversize    = "oversize"
	DropUnknownPath = "unknown_path"
)

type nopMetrics struct{}

func (nopMetrics) Sent(string, int)            {}
func (nopMetrics) Committed(string, int, bool) {}
func (nopMetrics) Dropped(string, string)      {}

// Target selects the receivers of one sync: every connected peer, or one.
type Target struct {
	Peer transport.PeerID
}

func All() Target                     { return Target{} }
func To(peer transport.PeerID) Target { return Target{Peer: peer} }

func (t Target) String() string {
	if t.Peer == "" {
		return "all"
	}
	return string(t.Peer)
}

func (t Target) send(ctx context.Context, tr transport.Transport, msg session.Message) error {
	if t.Peer == "" {
		return tr.SendToAll(ctx, msg)
	}
	return tr.SendToOne(ctx, t.Peer, msg)
}

type DirectoryConfig struct {
	Logger  *zerolog.Logger
	Metrics Metrics
}

// Directory is the table of registries that take part in replication,
// keyed by path. Paths are enumerated in registration order.
type Directory struct {
	mu     sync.RWMutex
	byPath map[string]Syncable
	order  []string

	logger  zerolog.Logger
	metrics Metrics
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	d := &Directory{
		byPath:  make(map[string]Syncable),
		metrics: cfg.Metrics,
	}
	if cfg.Logger != nil {
		d.logger = *cfg.Logger
	} else {
		d.logger = logging.Component("replication")
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	return d
}

// Register adds r under its path. Only registries built with Synced set
// may join, and each path joins once.
func (d *Directory) Register(r Syncable) error {
	if !r.Synced() {
		return fmt.Errorf("%w: %s", ErrNotSynced, r.Path())
	}
	if err := session.ValidatePath(r.Path()); err != nil {
		return fmt.Errorf("replication: register %q: %w", r.Path(), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byPath[r.Path()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.Path())
	}
	d.byPath[r.Path()] = r
	d.order = append(d.order, r.Path())
	return nil
}

func (d *Directory) Lookup(path string) (Syncable, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byPath[path]
	return r, ok
}

func (d *Directory) Paths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// SyncAll syncs every registered path to target, in registration order.
// It stops at the first transport failure.
func (d *Directory) SyncAll(ctx context.Context, tr transport.Transport, target Target) error {
	for _, path := range d.Paths() {
		if _, err := d.Sync(ctx, tr, target, path); err != nil {
			return err
		}
	}
	return nil
}

// Sync sends Start, one Content per live entry of path, then End. Entries
// that fail to encode are logged by the registry and left out. A transport
// failure aborts the sync before End, so receivers never commit a partial
// stream. It returns the number of Content messages sent.
func (d *Directory) Sync(ctx context.Context, tr transport.Transport, target Target, path string) (int, error) {
	if tr == nil {
		return 0, ErrNoTransport
	}
	r, ok := d.Lookup(path)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRegistry, path)
	}
	log := d.logger.With().Str("path", path).Str("target", target.String()).Logger()
	start := time.Now()

	if err := target.send(ctx, tr, session.Start{Path: path}); err != nil {
		return 0, fmt.Errorf("replication: send start %s: %w", path, err)
	}
	var sent int
	var sendErr error
	encodeErr := r.EncodeLive(func(id, tag ident.ID, data []byte) error {
		msg := session.Content{Path: path, ID: id, Tag: tag, Payload: data}
		if err := target.send(ctx, tr, msg); err != nil {
			if errors.Is(err, frame.ErrPayloadTooLarge) {
				log.Warn().Err(err).Str("id", id.String()).Msg("entry too large to sync")
				d.metrics.Dropped(path, DropOversize)
				return nil
			}
			sendErr = fmt.Errorf("replication: send content %s %s: %w", path, id, err)
			return sendErr
		}
		sent++
		return nil
	})
	if sendErr != nil {
		return sent, sendErr
	}
	if encodeErr != nil {
		log.Warn().Err(encodeErr).Msg("entries left out of sync")
	}
	if err := target.send(ctx, tr, session.End{Path: path}); err != nil {
		return sent, fmt.Errorf("replication: send end %s: %w", path, err)
	}
	d.metrics.Sent(path, sent)
	log.Debug().Int("entries", sent).Dur("elapsed", time.Since(start)).Msg("sync sent")
	return sent, nil
}
