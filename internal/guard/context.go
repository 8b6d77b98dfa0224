package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memory-mesh/internal/model"
)

var (
	// ErrForgedContext is returned for a context this guard did not mint.
	ErrForgedContext = errors.New("memory context was not issued by this guard")
	// ErrContextConsumed is returned for a context that was already executed
	// or released.
	ErrContextConsumed = errors.New("memory context already consumed")
)

// SafeMemoryContext is proof that a conflict check passed for a set of keys.
// Its fields are unexported and only Guard creates one; a zero value is
// rejected by Execute.
type SafeMemoryContext struct {
	issuer    *Guard
	nonce     string
	keys      []string
	memories  map[string]model.MemoryEntry
	checkedAt time.Time
}

// Get returns a copy of the memory stored under key.
func (c *SafeMemoryContext) Get(key string) (model.MemoryEntry, bool) {
	e, ok := c.memories[key]
	if !ok {
		return model.MemoryEntry{}, false
	}
	return e.Clone(), true
}

// Keys returns the keys the context was checked for, in request order.
func (c *SafeMemoryContext) Keys() []string {
	return append([]string(nil), c.keys...)
}

// Len returns the number of memories present.
func (c *SafeMemoryContext) Len() int {
	return len(c.memories)
}

// CheckedAt is when the conflict check ran.
func (c *SafeMemoryContext) CheckedAt() time.Time {
	return c.checkedAt
}

// ExecFunc is the work run against a checked context.
type ExecFunc func(ctx context.Context, mem *SafeMemoryContext) error

func (g *Guard) mint(keys []string, entries map[string]model.MemoryEntry) *SafeMemoryContext {
	mem := make(map[string]model.MemoryEntry, len(entries))
	for k, e := range entries {
		mem[k] = e.Clone()
	}
	sc := &SafeMemoryContext{
		issuer:    g,
		nonce:     ulid.Make().String(),
		keys:      keys,
		memories:  mem,
		checkedAt: g.now().UTC(),
	}

	g.mu.Lock()
	g.outstanding[sc.nonce] = struct{}{}
	g.mu.Unlock()
	return sc
}

// consume marks sc as used. It fails for contexts from another guard and for
// contexts already consumed.
func (g *Guard) consume(sc *SafeMemoryContext) error {
	if sc == nil || sc.issuer != g || sc.nonce == "" {
		return ErrForgedContext
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.outstanding[sc.nonce]; !ok {
		return ErrContextConsumed
	}
	delete(g.outstanding, sc.nonce)
	return nil
}

// Execute runs fn with sc. The context is consumed whether or not fn
// succeeds. Records opened for sc's keys after it was minted block the run.
func (g *Guard) Execute(ctx context.Context, sc *SafeMemoryContext, fn ExecFunc) error {
	if err := g.consume(sc); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "guard.execute")
	defer span.End()

	if recs := g.registry.ForKeys(sc.keys); len(recs) > 0 {
		contextBlocked.Add(ctx, 1)
		return &ConflictBlockedError{Records: recs}
	}
	if err := fn(ctx, sc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}

// Release discards an unused context.
func (g *Guard) Release(sc *SafeMemoryContext) error {
	return g.consume(sc)
}

// Outstanding returns the number of minted contexts not yet consumed.
func (g *Guard) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.outstanding)
}
