// Package store provides the memory storage interface and SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/rcliao/memory-mesh/internal/model"
)

// WriteParams holds parameters for a local write.
type WriteParams struct {
	Key    string
	Value  []byte
	Domain model.Domain
	NodeID string
}

// ListParams holds parameters for listing entries.
type ListParams struct {
	Prefix string
	Domain model.Domain // empty means both
	Limit  int
}

// Store defines the memory storage interface.
type Store interface {
	// Write stores a new local version of key, advancing NodeID's counter
	// on top of the current clock.
	Write(ctx context.Context, p WriteParams) (*model.MemoryEntry, error)

	// Get returns the current local version of key or model.ErrNotFound.
	Get(ctx context.Context, key string) (*model.MemoryEntry, error)

	// Set replaces the local version of key verbatim, value and clock together.
	Set(ctx context.Context, e model.MemoryEntry) error

	// Delete removes key, any pending remote versions of it and its
	// persisted conflict records.
	Delete(ctx context.Context, key string) error

	// List lists current entries matching the filters.
	List(ctx context.Context, p ListParams) ([]model.MemoryEntry, error)

	// PutRemote records a remote version of a public key that could not be
	// applied causally. One pending version is kept per origin node.
	PutRemote(ctx context.Context, e model.MemoryEntry) error

	// RemoteVersions returns the pending remote versions of key.
	RemoteVersions(ctx context.Context, key string) ([]model.MemoryEntry, error)

	// ApplyResolution writes a reconciled entry, its optional archive copy,
	// drops dominated remote versions and deletes the closed conflict
	// records, all in one transaction. When r.Base is set and the stored
	// clock no longer equals it, nothing is written and the error wraps
	// model.ErrStaleEntry.
	ApplyResolution(ctx context.Context, r model.Reconciliation) error

	// EntriesSince returns public entries updated after since, plus public
	// entries whose key is not in knownKeys.
	EntriesSince(ctx context.Context, since time.Time, knownKeys []string) ([]model.MemoryEntry, error)

	// Close closes the store.
	Close() error
}
