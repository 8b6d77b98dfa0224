// Package model defines the core memory data types.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-mesh/internal/clock"
)

// Sentinel errors shared by the store, guard and CLI.
var (
	ErrNotFound          = errors.New("memory not found")
	ErrSerialization     = errors.New("malformed stored entry")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrPrivateEntry      = errors.New("private entries are not synchronized")
	ErrInvalidChoice     = errors.New("invalid resolution choice")
	ErrInvalidDomain     = errors.New("invalid memory domain")
	ErrConflictObsoleted = errors.New("conflict no longer concurrent")
	// ErrStaleEntry means the local entry changed after a reconciliation was
	// computed from it. Nothing was written; the caller may retry.
	ErrStaleEntry = errors.New("local entry changed during resolution")
)

// Domain says whether an entry is shared across nodes.
type Domain string

const (
	DomainPrivate Domain = "private"
	DomainPublic  Domain = "public"
)

// ParseDomain accepts "private" or "public"; empty means public.
func ParseDomain(s string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(s))) {
	case "", DomainPublic:
		return DomainPublic, nil
	case DomainPrivate:
		return DomainPrivate, nil
	}
	return "", fmt.Errorf("%w: %q (valid: public, private)", ErrInvalidDomain, s)
}

// MemoryEntry is one version of a keyed value.
type MemoryEntry struct {
	Key        string             `json:"key"`
	Value      []byte             `json:"value"`
	Domain     Domain             `json:"domain"`
	Clock      clock.VersionClock `json:"clock"`
	OriginNode string             `json:"origin_node"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Public reports whether the entry takes part in synchronization.
func (e MemoryEntry) Public() bool {
	return e.Domain == DomainPublic
}

// Clone returns a deep copy.
func (e MemoryEntry) Clone() MemoryEntry {
	out := e
	out.Value = append([]byte(nil), e.Value...)
	out.Clock = e.Clock.Clone()
	return out
}

// ConflictRecord is an unresolved divergence between two versions of a key.
type ConflictRecord struct {
	ID         string            `json:"conflict_id"`
	Key        string            `json:"key"`
	Local      MemoryEntry       `json:"local_version"`
	Remote     MemoryEntry       `json:"remote_version"`
	DetectedAt time.Time         `json:"detected_at"`
	Resolution *ResolutionChoice `json:"resolution,omitempty"`
	// CloseInTime is a heuristic hint: both writes landed within the
	// configured window. It is informational; the clocks decide.
	CloseInTime bool `json:"close_in_time,omitempty"`
}

// Reconciliation is the result of resolving one conflict. The store applies
// it in a single transaction.
type Reconciliation struct {
	ConflictID string
	Key        string
	// Base is the local clock the reconciliation was computed from. When
	// non-nil the store refuses the write unless the stored clock is still
	// Equal to it.
	Base     clock.VersionClock
	Entry    MemoryEntry
	Archived *MemoryEntry
	// Closed lists further records on Key removed by the same write.
	Closed []string
}

// DamagedRecord is a persisted conflict record that could not be decoded.
// Its key stays blocked until the record is discarded.
type DamagedRecord struct {
	ID  string
	Key string
	Err error
}

// ArchiveKey is the key under which KeepBoth stores the remote version.
func ArchiveKey(key, conflictID string) string {
	return key + "_conflict_" + conflictID
}
