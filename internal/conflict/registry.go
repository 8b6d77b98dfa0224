// Package conflict keeps the index of open conflict records.
//
// The registry is an in-memory index backed by a Persister so records
// survive restarts. Reads take a shared lock; inserts and removals take the
// exclusive lock. Resolution of one key is serialized through Lock, which
// hands out a per-key mutex rather than blocking every key.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/model"
)

// State is the conflict state of a single key.
type State int

// Resolved is a transient state: a record is dropped from the index in the
// same step that resolves it, so State never reports Resolved. It exists for
// callers that describe an outcome rather than a key.
const (
	Clean State = iota
	Detected
	Resolved
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Detected:
		return "detected"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

// Persister stores open records durably.
type Persister interface {
	SaveConflict(ctx context.Context, rec model.ConflictRecord) error
	DeleteConflict(ctx context.Context, id string) error
	LoadConflicts(ctx context.Context) ([]model.ConflictRecord, []model.DamagedRecord, error)
}

// Registry indexes open conflict records by id and by key.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]model.ConflictRecord
	byKey   map[string]map[string]struct{}
	damaged map[string]model.DamagedRecord
	persist Persister
	locks   *keyLocks
	now     func() time.Time
}

// NewRegistry returns an empty registry. p may be nil for a purely
// in-memory registry.
func NewRegistry(p Persister) *Registry {
	return &Registry{
		byID:    make(map[string]model.ConflictRecord),
		byKey:   make(map[string]map[string]struct{}),
		damaged: make(map[string]model.DamagedRecord),
		persist: p,
		locks:   newKeyLocks(),
		now:     time.Now,
	}
}

// Load replaces the in-memory index with the persisted records. Records
// that cannot be decoded are kept aside as damaged; their keys report
// Detected until the record is removed.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	recs, damaged, err := r.persist.LoadConflicts(ctx)
	if err != nil {
		return fmt.Errorf("load conflicts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]model.ConflictRecord, len(recs))
	r.byKey = make(map[string]map[string]struct{})
	r.damaged = make(map[string]model.DamagedRecord, len(damaged))
	for _, rec := range recs {
		r.index(rec)
	}
	for _, d := range damaged {
		log.Warn().Err(d.Err).Str("conflict_id", d.ID).Str("key", d.Key).Msg("skipping unreadable conflict record")
		r.damaged[d.ID] = d
	}
	return nil
}

// Insert adds a record for the given pair unless one is already open for
// the same remote version. It returns the open record and whether it was new.
func (r *Registry) Insert(ctx context.Context, local, remote model.MemoryEntry, closeInTime bool) (model.ConflictRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.byKey[local.Key] {
		rec := r.byID[id]
		if sameRemote(rec, remote) {
			return rec, false, nil
		}
	}

	rec := model.ConflictRecord{
		ID:          ulid.Make().String(),
		Key:         local.Key,
		Local:       local.Clone(),
		Remote:      remote.Clone(),
		DetectedAt:  r.now().UTC(),
		CloseInTime: closeInTime,
	}
	if r.persist != nil {
		if err := r.persist.SaveConflict(ctx, rec); err != nil {
			return model.ConflictRecord{}, false, fmt.Errorf("persist conflict: %w", err)
		}
	}
	r.index(rec)
	return rec, true, nil
}

// Get returns the open record with id.
func (r *Registry) Get(id string) (model.ConflictRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// ForKeys returns the open records for keys, oldest first.
func (r *Registry) ForKeys(keys []string) []model.ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ConflictRecord
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		for id := range r.byKey[k] {
			out = append(out, r.byID[id])
		}
	}
	sortRecords(out)
	return out
}

// List returns every open record, oldest first.
func (r *Registry) List() []model.ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ConflictRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Len returns the number of open records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// State reports whether key has an open or damaged record. It returns
// Clean or Detected only.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byKey[key]) > 0 {
		return Detected
	}
	for _, d := range r.damaged {
		if d.Key == key {
			return Detected
		}
	}
	return Clean
}

// Damaged returns the records that failed to load, ordered by id.
func (r *Registry) Damaged() []model.DamagedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DamagedRecord, 0, len(r.damaged))
	for _, d := range r.damaged {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DamagedFor returns the first damaged record on key, if any.
func (r *Registry) DamagedFor(key string) (model.DamagedRecord, bool) {
	for _, d := range r.Damaged() {
		if d.Key == key {
			return d, true
		}
	}
	return model.DamagedRecord{}, false
}

// DamagedByID returns the damaged record with id.
func (r *Registry) DamagedByID(id string) (model.DamagedRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.damaged[id]
	return d, ok
}

// Remove deletes an open or damaged record from the index and from
// persistence.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, open := r.byID[id]
	_, broken := r.damaged[id]
	if !open && !broken {
		return fmt.Errorf("%w: %s", model.ErrConflictNotFound, id)
	}
	if r.persist != nil {
		if err := r.persist.DeleteConflict(ctx, id); err != nil {
			return fmt.Errorf("delete conflict: %w", err)
		}
	}
	r.unindex(id)
	delete(r.damaged, id)
	return nil
}

// Forget drops a record from the index only. Used after the store already
// deleted the persisted row as part of a resolution transaction.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindex(id)
}

// ForgetKey drops every open and damaged record on key from the index
// only. Used after the store deleted the key together with its records.
func (r *Registry) ForgetKey(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id := range r.byKey[key] {
		r.unindex(id)
		n++
	}
	for id, d := range r.damaged {
		if d.Key == key {
			delete(r.damaged, id)
			n++
		}
	}
	return n
}

// Lock acquires the exclusive resolution lock for key.
func (r *Registry) Lock(key string) (unlock func()) {
	return r.locks.lock(key)
}

func (r *Registry) index(rec model.ConflictRecord) {
	r.byID[rec.ID] = rec
	ids := r.byKey[rec.Key]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byKey[rec.Key] = ids
	}
	ids[rec.ID] = struct{}{}
}

func (r *Registry) unindex(id string) {
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if ids := r.byKey[rec.Key]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKey, rec.Key)
		}
	}
}

// sameRemote matches on the remote version only. The local side of an open
// record is re-read at resolution time, so a changed local entry does not
// warrant a second record.
func sameRemote(rec model.ConflictRecord, remote model.MemoryEntry) bool {
	return rec.Remote.OriginNode == remote.OriginNode &&
		rec.Remote.Clock.Compare(remote.Clock) == clock.Equal
}

func sortRecords(recs []model.ConflictRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].DetectedAt.Equal(recs[j].DetectedAt) {
			return recs[i].DetectedAt.Before(recs[j].DetectedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
