// Package registry holds reloadable keyed data sets.
//
// A Registry owns an immutable live map that is replaced wholesale by each
// reload cycle:
//
//	BeginReload -> Apply* -> OnReload
//
// Readers only ever see a complete snapshot. Holders are interned per id and
// resolve through the published snapshot, so one pointer swap rebinds all of
// them at once. Between BeginReload and OnReload every holder is unbound while
// Lookup keeps serving the previous snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/condition"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Skip reasons reported to Metrics.
const (
	SkipEmpty     = "empty"
	SkipExcluded  = "excluded"
	SkipDecode    = "decode"
	SkipInvalid   = "invalid"
	SkipDuplicate = "duplicate"
)

// Metrics receives per-registry reload observations.
type Metrics interface {
	Reloaded(path string, entries int, elapsed time.Duration)
	Skipped(path, reason string)
}

type nopMetrics struct{}

func (nopMetrics) Reloaded(string, int, time.Duration) {}
func (nopMetrics) Skipped(string, string)              {}

// Config describes a registry to New.
type Config[V codec.Tagged] struct {
	// Path names the registry and keys it for replication.
	Path   string
	Synced bool
	Codecs codec.Table[V]
	// Validate rejects decoded values; nil accepts everything.
	Validate   func(ident.ID, V) error
	Conditions condition.Evaluator
	Logger     *zerolog.Logger
	// Workers bounds parallel decoding; zero means GOMAXPROCS.
	Workers int
	Metrics Metrics
}

// ApplyReport counts what one Apply call did with its batch.
type ApplyReport struct {
	Registered   int
	Empty        int
	Excluded     int
	DecodeFailed int
	Invalid      int
	Duplicate    int
}

func (r ApplyReport) Skipped() int {
	return r.Empty + r.Excluded + r.DecodeFailed + r.Invalid + r.Duplicate
}

func (r *ApplyReport) add(o ApplyReport) {
	r.Registered += o.Registered
	r.Empty += o.Empty
	r.Excluded += o.Excluded
	r.DecodeFailed += o.DecodeFailed
	r.Invalid += o.Invalid
	r.Duplicate += o.Duplicate
}

type state[V any] struct {
	entries    map[ident.ID]V
	keys       []ident.ID
	reloading  bool
	generation uint64
}

// Registry holds the live entries for one path and swaps them whole on reload.
type Registry[V codec.Tagged] struct {
	path       string
	synced     bool
	codecs     codec.Table[V]
	validate   func(ident.ID, V) error
	conditions condition.Evaluator
	logger     zerolog.Logger
	workers    int
	metrics    Metrics

	live    atomic.Pointer[state[V]]
	holders sync.Map

	// writeMu serializes whole cycles started by Reload, Commit and Refresh.
	writeMu sync.Mutex

	phaseMu   sync.Mutex
	reloading bool
	staging   map[ident.ID]V
	report    ApplyReport
	started   time.Time

	condMu  sync.RWMutex
	condCtx condition.Context

	callbacks callbackSet[V]
}

// New builds an empty registry. A table without registrations is a setup error.
func New[V codec.Tagged](cfg Config[V]) (*Registry[V], error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: registry path is required", codec.ErrConfig)
	}
	if cfg.Codecs == nil || cfg.Codecs.Len() == 0 {
		return nil, fmt.Errorf("%w: registry %s has no codec registrations", codec.ErrConfig, cfg.Path)
	}
	r := &Registry[V]{
		path:       cfg.Path,
		synced:     cfg.Synced,
		codecs:     cfg.Codecs,
		validate:   cfg.Validate,
		conditions: cfg.Conditions,
		workers:    cfg.Workers,
		metrics:    cfg.Metrics,
	}
	if r.conditions == nil {
		r.conditions = condition.Always{}
	}
	if r.workers <= 0 {
		r.workers = runtime.GOMAXPROCS(0)
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger.With().Str("registry", cfg.Path).Logger()
	} else {
		r.logger = logging.Component("registry").With().Str("registry", cfg.Path).Logger()
	}
	r.live.Store(&state[V]{entries: map[ident.ID]V{}})
	return r, nil
}

func (r *Registry[V]) Path() string {
	return r.path
}

// Synced reports whether the registry opted into replication.
func (r *Registry[V]) Synced() bool {
	return r.synced
}

func (r *Registry[V]) Codecs() codec.Table[V] {
	return r.codecs
}

// SetConditionContext replaces the context used by the next Apply.
func (r *Registry[V]) SetConditionContext(ctx condition.Context) {
	r.condMu.Lock()
	defer r.condMu.Unlock()
	r.condCtx = ctx
}

func (r *Registry[V]) ConditionContext() condition.Context {
	r.condMu.RLock()
	defer r.condMu.RUnlock()
	return r.condCtx
}

// Reloading reports whether a cycle is between BeginReload and OnReload.
func (r *Registry[V]) Reloading() bool {
	return r.live.Load().reloading
}

// Generation counts completed reload cycles.
func (r *Registry[V]) Generation() uint64 {
	return r.live.Load().generation
}

// Reload runs one full cycle over batch.
func (r *Registry[V]) Reload(ctx context.Context, batch codec.Batch) (ApplyReport, error) {
	if err := ctx.Err(); err != nil {
		return ApplyReport{}, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.BeginReload(); err != nil {
		return ApplyReport{}, err
	}
	report, err := r.apply(batch)
	if err != nil {
		return report, err
	}
	if err := r.OnReload(); err != nil {
		return report, err
	}
	return report, nil
}

// BeginReload fires pre-hooks, unbinds every holder and opens an empty staging map.
func (r *Registry[V]) BeginReload() error {
	r.phaseMu.Lock()
	if r.reloading {
		r.phaseMu.Unlock()
		return fmt.Errorf("%w: %s", ErrReloadInProgress, r.path)
	}
	r.reloading = true
	r.staging = make(map[ident.ID]V)
	r.report = ApplyReport{}
	r.started = time.Now()
	r.phaseMu.Unlock()

	r.callbacks.begin(r)

	prev := r.live.Load()
	r.live.Store(&state[V]{
		entries:    prev.entries,
		keys:       prev.keys,
		reloading:  true,
		generation: prev.generation,
	})
	r.logger.Debug().Msg("reload started")
	return nil
}

// Apply decodes batch into the staging map. Entries are independent: failures
// are logged and counted, never returned. Duplicate ids keep the first
// occurrence in batch order. ctx is only checked before work starts.
func (r *Registry[V]) Apply(ctx context.Context, batch codec.Batch) (ApplyReport, error) {
	if err := ctx.Err(); err != nil {
		return ApplyReport{}, err
	}
	return r.apply(batch)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeEmpty
	outcomeExcluded
	outcomeDecode
	outcomeInvalid
)

type decoded[V any] struct {
	value   V
	outcome outcome
	err     error
}

func (r *Registry[V]) apply(batch codec.Batch) (ApplyReport, error) {
	r.phaseMu.Lock()
	active := r.reloading
	r.phaseMu.Unlock()
	if !active {
		return ApplyReport{}, fmt.Errorf("%w: %s", ErrNotReloading, r.path)
	}

	condCtx := r.ConditionContext()
	results := make([]decoded[V], len(batch))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i := range batch {
		g.Go(func() error {
			results[i] = r.decodeEntry(batch[i], condCtx)
			return nil
		})
	}
	_ = g.Wait()

	var report ApplyReport
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	for i, res := range results {
		id := batch[i].ID
		switch res.outcome {
		case outcomeEmpty:
			report.Empty++
			r.metrics.Skipped(r.path, SkipEmpty)
			r.logger.Warn().Str("id", id.String()).Msg("skipping empty entry")
		case outcomeExcluded:
			report.Excluded++
			r.metrics.Skipped(r.path, SkipExcluded)
			if res.err != nil {
				r.logger.Error().Err(res.err).Str("id", id.String()).Msg("condition evaluation failed; entry excluded")
			} else {
				r.logger.Trace().Str("id", id.String()).Msg("skipping entry excluded by conditions")
			}
		case outcomeDecode:
			report.DecodeFailed++
			r.metrics.Skipped(r.path, SkipDecode)
			r.logger.Error().Err(res.err).Str("id", id.String()).Msg("could not parse entry")
		case outcomeInvalid:
			report.Invalid++
			r.metrics.Skipped(r.path, SkipInvalid)
			r.logger.Error().Err(res.err).Str("id", id.String()).Msg("entry failed validation")
		case outcomeOK:
			if _, exists := r.staging[id]; exists {
				report.Duplicate++
				r.metrics.Skipped(r.path, SkipDuplicate)
				r.logger.Error().Err(ErrDuplicateID).Str("id", id.String()).Msg("dropping duplicate entry")
				continue
			}
			r.staging[id] = res.value
			report.Registered++
		}
	}
	r.report.add(report)
	return report, nil
}

func (r *Registry[V]) decodeEntry(e codec.RawEntry, condCtx condition.Context) decoded[V] {
	if e.Payload.IsEmpty() {
		return decoded[V]{outcome: outcomeEmpty}
	}
	if err := e.ID.Validate(); err != nil {
		return decoded[V]{outcome: outcomeDecode, err: err}
	}
	include, err := r.conditions.Include(e.Payload, condCtx)
	if err != nil || !include {
		return decoded[V]{outcome: outcomeExcluded, err: err}
	}
	v, err := r.codecs.Decode(e.Payload)
	if err != nil {
		return decoded[V]{outcome: outcomeDecode, err: err}
	}
	if err := r.check(e.ID, v); err != nil {
		return decoded[V]{outcome: outcomeInvalid, err: err}
	}
	return decoded[V]{value: v, outcome: outcomeOK}
}

func (r *Registry[V]) check(id ident.ID, v V) error {
	if r.validate == nil {
		return nil
	}
	if err := r.validate(id, v); err != nil {
		return errors.Join(ErrInvalidEntry, err)
	}
	return nil
}

// OnReload publishes staging as the new live map, which rebinds every holder,
// then fires post-hooks.
func (r *Registry[V]) OnReload() error {
	r.phaseMu.Lock()
	if !r.reloading {
		r.phaseMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotReloading, r.path)
	}
	entries := r.staging
	report := r.report
	elapsed := time.Since(r.started)
	r.staging = nil

	keys := make([]ident.ID, 0, len(entries))
	for id := range entries {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	prev := r.live.Load()
	r.live.Store(&state[V]{
		entries:    entries,
		keys:       keys,
		generation: prev.generation + 1,
	})
	r.reloading = false
	r.phaseMu.Unlock()

	r.metrics.Reloaded(r.path, len(entries), elapsed)
	r.logger.Info().
		Int("skipped", report.Skipped()).
		Dur("elapsed", elapsed).
		Msgf("registered %d %s", len(entries), r.path)

	r.callbacks.on(r)
	return nil
}

// Lookup never fails; an absent id yields false.
func (r *Registry[V]) Lookup(id ident.ID) (V, bool) {
	v, ok := r.live.Load().entries[id]
	return v, ok
}

func (r *Registry[V]) Contains(id ident.ID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Keys returns live ids in sorted order.
func (r *Registry[V]) Keys() []ident.ID {
	st := r.live.Load()
	out := make([]ident.ID, len(st.keys))
	copy(out, st.keys)
	return out
}

// Values returns live values ordered by id.
func (r *Registry[V]) Values() []V {
	st := r.live.Load()
	out := make([]V, 0, len(st.keys))
	for _, id := range st.keys {
		out = append(out, st.entries[id])
	}
	return out
}

func (r *Registry[V]) Len() int {
	return len(r.live.Load().entries)
}

// Snapshot copies the live map.
func (r *Registry[V]) Snapshot() map[ident.ID]V {
	st := r.live.Load()
	out := make(map[ident.ID]V, len(st.entries))
	for id, v := range st.entries {
		out[id] = v
	}
	return out
}
