// Package guard refuses to hand memories to a task while any of them is in
// an unresolved conflict.
//
// A task gets its memories only through a SafeMemoryContext, and only the
// Guard can mint one. Minting runs the conflict check first; there is no
// configuration that skips it.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/config"
	"github.com/rcliao/memory-mesh/internal/conflict"
	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/resolve"
	"github.com/rcliao/memory-mesh/internal/store"
)

// ErrConflictBlocked is returned when a task asks for memories that have
// open conflict records.
var ErrConflictBlocked = errors.New("memory access blocked by unresolved conflicts")

// ConflictBlockedError carries the records that blocked delivery.
type ConflictBlockedError struct {
	Records []model.ConflictRecord
}

func (e *ConflictBlockedError) Error() string {
	keys := make([]string, 0, len(e.Records))
	seen := make(map[string]bool)
	for _, r := range e.Records {
		if !seen[r.Key] {
			seen[r.Key] = true
			keys = append(keys, r.Key)
		}
	}
	return fmt.Sprintf("%s: %d open conflict(s) on %v", ErrConflictBlocked, len(e.Records), keys)
}

func (e *ConflictBlockedError) Is(target error) bool {
	return target == ErrConflictBlocked
}

// Detection is the result of a conflict check over a set of keys.
type Detection struct {
	// Records holds every open record for the checked keys.
	Records []model.ConflictRecord
	// New counts the records created by this check.
	New int
	// KeyErrors holds keys whose local or remote versions could not be read.
	KeyErrors map[string]error

	entries map[string]model.MemoryEntry
}

// HasConflicts reports whether any checked key has an open record.
func (d *Detection) HasConflicts() bool {
	return len(d.Records) > 0
}

// Guard owns conflict detection, resolution and context minting for one node.
type Guard struct {
	cfg      config.Config
	store    store.Store
	registry *conflict.Registry
	engine   *resolve.Engine
	now      func() time.Time

	mu          sync.Mutex
	outstanding map[string]struct{}
}

// New returns a guard. cfg is validated; corrections are logged and never
// fatal, and conflict enforcement is always on. A nil registry is replaced
// with an in-memory one and a nil engine is built from cfg without an AI
// provider.
func New(cfg config.Config, st store.Store, reg *conflict.Registry, eng *resolve.Engine) (*Guard, error) {
	if st == nil {
		return nil, errors.New("guard: store is required")
	}
	if err := cfg.Validate(); err != nil && !errors.Is(err, config.ErrConfigInvalid) {
		return nil, fmt.Errorf("guard: %w", err)
	}
	if reg == nil {
		reg = conflict.NewRegistry(nil)
	}
	if eng == nil {
		eng = resolve.NewEngine(nil, resolve.OptionsFromConfig(cfg))
	}
	return &Guard{
		cfg:         cfg,
		store:       st,
		registry:    reg,
		engine:      eng,
		now:         time.Now,
		outstanding: make(map[string]struct{}),
	}, nil
}

// Config returns the validated configuration the guard runs with.
func (g *Guard) Config() config.Config {
	return g.cfg
}

// CheckConflictsBeforeDelivery compares each key's local public version with
// its pending remote versions and records every concurrent pair not already
// recorded. It returns all open records for keys. A key that fails to load
// is reported in KeyErrors and does not abort the others.
func (g *Guard) CheckConflictsBeforeDelivery(ctx context.Context, keys []string) (*Detection, error) {
	ctx, span := tracer.Start(ctx, "guard.check_conflicts")
	defer span.End()
	span.SetAttributes(attribute.Int("memory.keys", len(keys)))

	det := &Detection{
		KeyErrors: make(map[string]error),
		entries:   make(map[string]model.MemoryEntry),
	}
	for _, key := range uniqueKeys(keys) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := g.detectKey(ctx, key, det.entries)
		det.New += n
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("conflict check failed for key")
			det.KeyErrors[key] = err
		}
	}
	det.Records = g.registry.ForKeys(keys)

	span.SetAttributes(
		attribute.Int("memory.conflicts.open", len(det.Records)),
		attribute.Int("memory.conflicts.new", det.New),
	)
	if det.New > 0 {
		conflictsDetected.Add(ctx, int64(det.New))
	}
	return det, nil
}

// detectKey records conflicts for one key and stores the local entry in
// entries when it exists. It holds the key lock so a concurrent write or
// resolution cannot interleave with the compare.
func (g *Guard) detectKey(ctx context.Context, key string, entries map[string]model.MemoryEntry) (int, error) {
	unlock := g.registry.Lock(key)
	defer unlock()

	if d, ok := g.registry.DamagedFor(key); ok {
		return 0, fmt.Errorf("conflict record %s on %s is unreadable, resolve it to discard: %w", d.ID, key, d.Err)
	}

	local, err := g.store.Get(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	entries[key] = *local
	if !local.Public() {
		return 0, nil
	}

	remotes, err := g.store.RemoteVersions(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read remote versions of %s: %w", key, err)
	}

	created := 0
	for _, remote := range remotes {
		if local.Clock.Compare(remote.Clock) != clock.Concurrent {
			continue
		}
		rec, isNew, err := g.registry.Insert(ctx, *local, remote, g.closeInTime(*local, remote))
		if err != nil {
			return created, err
		}
		if isNew {
			created++
			log.Info().
				Str("conflict_id", rec.ID).
				Str("key", key).
				Str("local_node", local.OriginNode).
				Str("remote_node", remote.OriginNode).
				Bool("close_in_time", rec.CloseInTime).
				Msg("conflict detected")
		}
	}
	return created, nil
}

func (g *Guard) closeInTime(a, b model.MemoryEntry) bool {
	if g.cfg.ConcurrentWindow <= 0 {
		return false
	}
	d := a.UpdatedAt.Sub(b.UpdatedAt)
	if d < 0 {
		d = -d
	}
	return d <= g.cfg.ConcurrentWindow
}

// CheckAndCreateContext runs the conflict check and mints a context holding
// the current local versions of keys. It fails with ErrConflictBlocked when
// any key has an open record and with an error when any key failed to load.
func (g *Guard) CheckAndCreateContext(ctx context.Context, keys []string) (*SafeMemoryContext, error) {
	ctx, span := tracer.Start(ctx, "guard.create_context")
	defer span.End()

	det, err := g.CheckConflictsBeforeDelivery(ctx, keys)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if det.HasConflicts() {
		contextBlocked.Add(ctx, 1)
		err := &ConflictBlockedError{Records: det.Records}
		span.SetStatus(codes.Error, "blocked")
		return nil, err
	}
	if len(det.KeyErrors) > 0 {
		errs := make([]error, 0, len(det.KeyErrors))
		for _, k := range sortedKeys(det.KeyErrors) {
			errs = append(errs, det.KeyErrors[k])
		}
		err := fmt.Errorf("load memories: %w", errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sc := g.mint(uniqueKeys(keys), det.entries)
	contextMinted.Add(ctx, 1)
	return sc, nil
}

// ResolveConflict applies choice to the open record id. The reconciled
// value, its clock, any archive copy and the removal of the record are
// written in one transaction. A record that is already gone returns
// model.ErrConflictNotFound and changes nothing.
func (g *Guard) ResolveConflict(ctx context.Context, id string, choice model.ResolutionChoice) (*resolve.Outcome, error) {
	ctx, span := tracer.Start(ctx, "guard.resolve_conflict")
	defer span.End()
	span.SetAttributes(
		attribute.String("conflict.id", id),
		attribute.String("conflict.choice", choice.Kind.String()),
	)

	if !choice.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d (valid: %s)", model.ErrInvalidChoice, choice.Kind, model.ValidChoices)
	}

	rec, ok := g.registry.Get(id)
	if !ok {
		if d, ok := g.registry.DamagedByID(id); ok {
			return g.discardDamaged(ctx, d, choice)
		}
		return nil, fmt.Errorf("%w: %s", model.ErrConflictNotFound, id)
	}

	unlock := g.registry.Lock(rec.Key)
	defer unlock()

	// Another resolver may have finished while we waited.
	rec, ok = g.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrConflictNotFound, id)
	}

	current, err := g.store.Get(ctx, rec.Key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return g.dropObsolete(ctx, rec, choice, nil)
	case err != nil:
		span.RecordError(err)
		return nil, fmt.Errorf("read %s: %w", rec.Key, err)
	}
	if current.Clock.Compare(rec.Local.Clock) != clock.Equal {
		if current.Clock.Compare(rec.Remote.Clock) != clock.Concurrent {
			return g.dropObsolete(ctx, rec, choice, current)
		}
		rec.Local = *current
	}

	out, err := g.engine.Resolve(ctx, rec, choice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Reconciliation.Base = rec.Local.Clock
	if err := g.store.ApplyResolution(ctx, out.Reconciliation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("apply resolution: %w", err)
	}
	g.registry.Forget(rec.ID)

	conflictsResolved.Add(ctx, 1, metricAttrs(out.Applied.Kind))
	span.SetAttributes(
		attribute.String("conflict.applied", out.Applied.Kind.String()),
		attribute.Bool("conflict.degraded", out.Degraded),
	)
	level := zerolog.InfoLevel
	if out.Degraded {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).
		AnErr("cause", out.Cause).
		Str("conflict_id", rec.ID).
		Str("key", rec.Key).
		Str("requested", choice.Kind.String()).
		Str("applied", out.Applied.Kind.String()).
		Msg("conflict resolved")
	return out, nil
}

// dropObsolete closes a record whose pair is no longer concurrent because the
// local entry moved on or was deleted. Nothing the caller chose is applied;
// a remote version that now strictly follows the local one replaces it.
func (g *Guard) dropObsolete(ctx context.Context, rec model.ConflictRecord, choice model.ResolutionChoice, current *model.MemoryEntry) (*resolve.Outcome, error) {
	if current != nil {
		r := model.Reconciliation{ConflictID: rec.ID, Key: rec.Key, Base: current.Clock, Entry: *current}
		if current.Clock.Compare(rec.Remote.Clock) == clock.Before {
			r.Entry = rec.Remote.Clone()
		}
		if err := g.store.ApplyResolution(ctx, r); err != nil {
			return nil, fmt.Errorf("drop obsolete conflict: %w", err)
		}
		g.registry.Forget(rec.ID)
	} else if err := g.registry.Remove(ctx, rec.ID); err != nil {
		return nil, err
	}

	log.Info().
		Str("conflict_id", rec.ID).
		Str("key", rec.Key).
		Msg("conflict no longer concurrent, dropped")
	return &resolve.Outcome{
		Requested: choice.Kind,
		Obsolete:  true,
		Cause:     model.ErrConflictObsoleted,
	}, nil
}

// discardDamaged removes a record that could not be decoded and re-runs
// detection on its key so any conflict still present is recorded afresh.
func (g *Guard) discardDamaged(ctx context.Context, d model.DamagedRecord, choice model.ResolutionChoice) (*resolve.Outcome, error) {
	unlock := g.registry.Lock(d.Key)
	err := g.registry.Remove(ctx, d.ID)
	unlock()
	if err != nil {
		return nil, err
	}

	n, err := g.DetectNewConflicts(ctx, []string{d.Key})
	if err != nil {
		return nil, fmt.Errorf("re-check %s: %w", d.Key, err)
	}
	log.Warn().
		AnErr("cause", d.Err).
		Str("conflict_id", d.ID).
		Str("key", d.Key).
		Int("new_conflicts", n).
		Msg("unreadable conflict record discarded")
	return &resolve.Outcome{
		Requested: choice.Kind,
		Obsolete:  true,
		Cause:     d.Err,
	}, nil
}

// LockKey acquires the resolution lock for key. Writers that compare and
// replace a key's local version hold it so they cannot interleave with a
// resolution.
func (g *Guard) LockKey(key string) (unlock func()) {
	return g.registry.Lock(key)
}

// Supersede replaces local with next, a version that strictly follows it,
// and closes the open records on the key whose remote side next covers.
// Remote candidates next covers are pruned in the same write. The caller
// must hold the key lock. It returns the number of records closed.
func (g *Guard) Supersede(ctx context.Context, local, next model.MemoryEntry) (int, error) {
	var closed []string
	for _, rec := range g.registry.ForKeys([]string{next.Key}) {
		switch rec.Remote.Clock.Compare(next.Clock) {
		case clock.Before, clock.Equal:
			closed = append(closed, rec.ID)
		}
	}
	r := model.Reconciliation{Key: next.Key, Base: local.Clock, Entry: next, Closed: closed}
	if err := g.store.ApplyResolution(ctx, r); err != nil {
		return 0, fmt.Errorf("supersede %s: %w", next.Key, err)
	}
	for _, id := range closed {
		g.registry.Forget(id)
	}
	return len(closed), nil
}

// DetectNewConflicts runs detection for keys and returns how many records it
// created. Read failures are logged and joined into the returned error after
// every key has been tried.
func (g *Guard) DetectNewConflicts(ctx context.Context, keys []string) (int, error) {
	det, err := g.CheckConflictsBeforeDelivery(ctx, keys)
	if err != nil {
		return 0, err
	}
	if len(det.KeyErrors) == 0 {
		return det.New, nil
	}
	errs := make([]error, 0, len(det.KeyErrors))
	for _, k := range sortedKeys(det.KeyErrors) {
		errs = append(errs, det.KeyErrors[k])
	}
	return det.New, errors.Join(errs...)
}

// OpenConflicts returns every open record, oldest first.
func (g *Guard) OpenConflicts() []model.ConflictRecord {
	return g.registry.List()
}

// State reports the conflict state of key.
func (g *Guard) State(key string) conflict.State {
	return g.registry.State(key)
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func sortedKeys(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
