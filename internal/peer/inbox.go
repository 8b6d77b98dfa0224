package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/store"
)

// ErrInvalidEntry is returned for an incoming entry without key, origin or
// clock.
var ErrInvalidEntry = errors.New("invalid remote entry")

// KeyGuard serializes writes to a key with conflict resolution and records
// conflicts for keys that just received a concurrent version.
type KeyGuard interface {
	// LockKey acquires the key's resolution lock. It is not reentrant.
	LockKey(key string) (unlock func())
	// Supersede replaces local with next, which strictly follows it, and
	// closes the records next covers. The caller holds the key's lock.
	Supersede(ctx context.Context, local, next model.MemoryEntry) (int, error)
	DetectNewConflicts(ctx context.Context, keys []string) (int, error)
}

// Inbox applies remote entries to the local store.
type Inbox struct {
	store  store.Store
	guard  KeyGuard
	nodeID string
}

// NewInbox returns an inbox writing to st under g's key locks and reporting
// concurrent versions to g.
func NewInbox(st store.Store, g KeyGuard, nodeID string) *Inbox {
	return &Inbox{store: st, guard: g, nodeID: nodeID}
}

// Apply merges one remote entry. A version that causally follows the local
// one replaces it, an older or equal version is dropped, and a concurrent
// version is kept as a remote candidate and checked for conflicts.
func (in *Inbox) Apply(ctx context.Context, e model.MemoryEntry) (ApplyResult, error) {
	if !e.Public() {
		return "", fmt.Errorf("%w: %s", model.ErrPrivateEntry, e.Key)
	}
	if e.Key == "" || e.OriginNode == "" || len(e.Clock.Nodes()) == 0 {
		return "", fmt.Errorf("%w: key=%q origin=%q clock=%s", ErrInvalidEntry, e.Key, e.OriginNode, e.Clock)
	}

	res, err := in.write(ctx, e)
	if err != nil || res != Conflicted {
		return res, err
	}

	// Detection takes the key lock itself.
	n, err := in.guard.DetectNewConflicts(ctx, []string{e.Key})
	if err != nil {
		return Conflicted, fmt.Errorf("detect conflicts for %s: %w", e.Key, err)
	}
	log.Info().
		Str("key", e.Key).
		Str("from", e.OriginNode).
		Int("new_conflicts", n).
		Msg("concurrent remote version")
	return Conflicted, nil
}

// write stores e under the key lock. A concurrent version is kept as a
// remote candidate and reported as Conflicted.
func (in *Inbox) write(ctx context.Context, e model.MemoryEntry) (ApplyResult, error) {
	unlock := in.guard.LockKey(e.Key)
	defer unlock()

	local, err := in.store.Get(ctx, e.Key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if err := in.store.Set(ctx, e); err != nil {
			return "", err
		}
		return Applied, nil
	case err != nil:
		return "", err
	}

	if !local.Public() {
		log.Debug().Str("key", e.Key).Str("from", e.OriginNode).Msg("remote entry shadows a private key, ignored")
		return Ignored, nil
	}

	switch e.Clock.Compare(local.Clock) {
	case clock.After:
		closed, err := in.guard.Supersede(ctx, *local, e)
		if err != nil {
			return "", err
		}
		if closed > 0 {
			log.Info().Str("key", e.Key).Str("from", e.OriginNode).Int("closed", closed).Msg("remote version covers open conflicts")
		}
		return Applied, nil
	case clock.Before, clock.Equal:
		return Ignored, nil
	}

	if err := in.store.PutRemote(ctx, e); err != nil {
		return "", err
	}
	return Conflicted, nil
}

// Summary counts the outcome of a batch.
type Summary struct {
	Applied    int `json:"applied"`
	Ignored    int `json:"ignored"`
	Conflicted int `json:"conflicted"`
	Rejected   int `json:"rejected"`
}

// ApplyAll applies entries in order. Rejected entries are logged and
// counted; the batch continues.
func (in *Inbox) ApplyAll(ctx context.Context, entries []model.MemoryEntry) (Summary, error) {
	var sum Summary
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := in.Apply(ctx, e)
		if err != nil {
			log.Warn().Err(err).Str("key", e.Key).Msg("remote entry rejected")
			sum.Rejected++
			continue
		}
		switch res {
		case Applied:
			sum.Applied++
		case Ignored:
			sum.Ignored++
		case Conflicted:
			sum.Conflicted++
		}
	}
	return sum, nil
}

// Handle answers one incoming message. Responses need no reply and yield nil.
func (in *Inbox) Handle(ctx context.Context, msg Message) *Message {
	reply := &Message{Type: TypeResponse, From: in.nodeID}

	switch msg.Type {
	case TypeBroadcast:
		if msg.Entry == nil {
			reply.Error = "broadcast without entry"
			return reply
		}
		res, err := in.Apply(ctx, *msg.Entry)
		if err != nil {
			reply.Error = err.Error()
		}
		reply.Result = res
	case TypeRequest:
		entries, err := in.store.EntriesSince(ctx, msg.Since, msg.KnownKeys)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Entries = entries
	case TypeResponse:
		if len(msg.Entries) > 0 {
			if _, err := in.ApplyAll(ctx, msg.Entries); err != nil {
				log.Warn().Err(err).Str("from", msg.From).Msg("apply response")
			}
		}
		return nil
	default:
		reply.Error = fmt.Sprintf("unknown message type %q", msg.Type)
	}
	return reply
}
