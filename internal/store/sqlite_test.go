package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err, "create store")
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(key, value, node string, vc clock.VersionClock, at time.Time) model.MemoryEntry {
	return model.MemoryEntry{
		Key:        key,
		Value:      []byte(value),
		Domain:     model.DomainPublic,
		Clock:      vc,
		OriginNode: node,
		UpdatedAt:  at,
	}
}

func TestWriteAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e, err := s.Write(ctx, WriteParams{Key: "hello", Value: []byte("world"), NodeID: "node-a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Clock.Get("node-a"))
	assert.Equal(t, model.DomainPublic, e.Domain)

	got, err := s.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "world", string(got.Value))
	assert.Equal(t, "node-a", got.OriginNode)
	assert.Equal(t, clock.Equal, got.Clock.Compare(e.Clock))
}

func TestWriteAdvancesClock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{Key: "k", Value: []byte("v1"), NodeID: "node-a"})
	s.Write(ctx, WriteParams{Key: "k", Value: []byte("v2"), NodeID: "node-b"})
	e3, err := s.Write(ctx, WriteParams{Key: "k", Value: []byte("v3"), NodeID: "node-a"})
	require.NoError(t, err)

	assert.Equal(t, clock.VersionClock{"node-a": 2, "node-b": 1}, e3.Clock)

	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "v3", string(got.Value))
}

func TestWriteRequiresKeyAndNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Write(ctx, WriteParams{Value: []byte("x"), NodeID: "n"})
	assert.Error(t, err)
	_, err = s.Write(ctx, WriteParams{Key: "k", Value: []byte("x")})
	assert.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetPreservesClockAndTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	at := time.UnixMilli(1003).UTC()
	require.NoError(t, s.Set(ctx, entry("k", "v", "node-b", clock.VersionClock{"node-b": 4}, at)))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, at.Equal(got.UpdatedAt))
	assert.Equal(t, uint64(4), got.Clock.Get("node-b"))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{Key: "project/a", Value: []byte("alpha"), NodeID: "n"})
	s.Write(ctx, WriteParams{Key: "project/b", Value: []byte("beta"), NodeID: "n"})
	s.Write(ctx, WriteParams{Key: "other/c", Value: []byte("gamma"), NodeID: "n", Domain: model.DomainPrivate})

	all, err := s.List(ctx, ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	prefixed, _ := s.List(ctx, ListParams{Prefix: "project/"})
	assert.Len(t, prefixed, 2)

	private, _ := s.List(ctx, ListParams{Domain: model.DomainPrivate})
	require.Len(t, private, 1)
	assert.Equal(t, "other/c", private[0].Key)

	limited, _ := s.List(ctx, ListParams{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{Key: "k", Value: []byte("data"), NodeID: "n"})
	require.NoError(t, s.PutRemote(ctx, entry("k", "other", "m", clock.VersionClock{"m": 1}, time.Now())))

	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, model.ErrNotFound)
	remotes, _ := s.RemoteVersions(ctx, "k")
	assert.Empty(t, remotes)

	assert.ErrorIs(t, s.Delete(ctx, "k"), model.ErrNotFound)
}

func TestDeleteRemovesConflictRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	local := entry("k", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.Now())
	remote := entry("k", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.Now())
	require.NoError(t, s.Set(ctx, local))
	require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
		ID: "c1", Key: "k", Local: local, Remote: remote, DetectedAt: time.Now(),
	}))
	require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
		ID: "c2", Key: "other", Local: local, Remote: remote, DetectedAt: time.Now(),
	}))

	require.NoError(t, s.Delete(ctx, "k"))

	recs, _, err := s.LoadConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c2", recs[0].ID)
}

func TestRemoteVersionsOnePerOrigin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutRemote(ctx, entry("k", "b1", "node-b", clock.VersionClock{"node-b": 1}, time.Now())))
	require.NoError(t, s.PutRemote(ctx, entry("k", "b2", "node-b", clock.VersionClock{"node-b": 2}, time.Now())))
	require.NoError(t, s.PutRemote(ctx, entry("k", "c1", "node-c", clock.VersionClock{"node-c": 1}, time.Now())))

	remotes, err := s.RemoteVersions(ctx, "k")
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	assert.Equal(t, "b2", string(remotes[0].Value))
	assert.Equal(t, "node-c", remotes[1].OriginNode)
}

func TestPutRemoteRejectsPrivate(t *testing.T) {
	s := newTestStore(t)
	e := entry("k", "secret", "node-b", clock.VersionClock{"node-b": 1}, time.Now())
	e.Domain = model.DomainPrivate
	assert.ErrorIs(t, s.PutRemote(context.Background(), e), model.ErrPrivateEntry)
}

func TestApplyResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	local := entry("k", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.UnixMilli(1000))
	remote := entry("k", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.UnixMilli(1003))
	later := entry("k", "timeout=90", "node-c", clock.VersionClock{"node-c": 1}, time.UnixMilli(1004))
	require.NoError(t, s.Set(ctx, local))
	require.NoError(t, s.PutRemote(ctx, remote))
	require.NoError(t, s.PutRemote(ctx, later))
	require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
		ID: "c1", Key: "k", Local: local, Remote: remote, DetectedAt: time.Now(),
	}))

	merged := remote.Clone()
	merged.Clock = local.Clock.Merge(remote.Clock)
	archived := local.Clone()
	archived.Key = model.ArchiveKey("k", "c1")

	require.NoError(t, s.ApplyResolution(ctx, model.Reconciliation{
		ConflictID: "c1", Key: "k", Entry: merged, Archived: &archived,
	}))

	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "timeout=60", string(got.Value))
	assert.Equal(t, clock.VersionClock{"node-a": 1, "node-b": 1}, got.Clock)

	arch, err := s.Get(ctx, "k_conflict_c1")
	require.NoError(t, err)
	assert.Equal(t, "timeout=30", string(arch.Value))

	// node-c's version is still concurrent with the merged clock.
	remotes, _ := s.RemoteVersions(ctx, "k")
	require.Len(t, remotes, 1)
	assert.Equal(t, "node-c", remotes[0].OriginNode)

	recs, _, err := s.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestApplyResolutionRejectsMovedEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	local := entry("k", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.UnixMilli(1000))
	remote := entry("k", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.UnixMilli(1003))
	require.NoError(t, s.Set(ctx, local))
	require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
		ID: "c1", Key: "k", Local: local, Remote: remote, DetectedAt: time.Now(),
	}))

	// The entry moves on after the reconciliation was computed.
	moved := entry("k", "timeout=99", "node-c", clock.VersionClock{"node-a": 1, "node-c": 1}, time.UnixMilli(1005))
	require.NoError(t, s.Set(ctx, moved))

	merged := remote.Clone()
	merged.Clock = clock.VersionClock{"node-a": 2, "node-b": 1}
	err := s.ApplyResolution(ctx, model.Reconciliation{
		ConflictID: "c1", Key: "k", Base: local.Clock, Entry: merged,
	})
	require.ErrorIs(t, err, model.ErrStaleEntry)

	got, _ := s.Get(ctx, "k")
	assert.Equal(t, "timeout=99", string(got.Value))
	recs, _, _ := s.LoadConflicts(ctx)
	assert.Len(t, recs, 1)

	require.NoError(t, s.Delete(ctx, "k"))
	err = s.ApplyResolution(ctx, model.Reconciliation{Key: "k", Base: moved.Clock, Entry: merged})
	assert.ErrorIs(t, err, model.ErrStaleEntry)
}

func TestApplyResolutionClosesListedRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	local := entry("k", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.UnixMilli(1000))
	remote := entry("k", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.UnixMilli(1003))
	require.NoError(t, s.Set(ctx, local))
	require.NoError(t, s.PutRemote(ctx, remote))
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
			ID: id, Key: "k", Local: local, Remote: remote, DetectedAt: time.Now(),
		}))
	}

	next := entry("k", "timeout=45", "node-b", clock.VersionClock{"node-a": 1, "node-b": 1}, time.UnixMilli(1004))
	require.NoError(t, s.ApplyResolution(ctx, model.Reconciliation{
		Key: "k", Base: local.Clock, Entry: next, Closed: []string{"c1", "c2"},
	}))

	recs, _, _ := s.LoadConflicts(ctx)
	assert.Empty(t, recs)
	remotes, _ := s.RemoteVersions(ctx, "k")
	assert.Empty(t, remotes)
}

func TestLoadConflictsSkipsUnreadableRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	local := entry("good", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.Now())
	remote := entry("good", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.Now())
	require.NoError(t, s.SaveConflict(ctx, model.ConflictRecord{
		ID: "c1", Key: "good", Local: local, Remote: remote, DetectedAt: time.Now(),
	}))
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, key, local, remote, detected_at, close_in_time)
		 VALUES ('c2', 'broken', '{not json', '{}', ?, 0),
		        ('c3', 'late', '{}', '{}', 'yesterday', 0)`, now)
	require.NoError(t, err)

	recs, damaged, err := s.LoadConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].ID)

	require.Len(t, damaged, 2)
	byID := map[string]model.DamagedRecord{}
	for _, d := range damaged {
		byID[d.ID] = d
	}
	assert.Equal(t, "broken", byID["c2"].Key)
	assert.ErrorIs(t, byID["c2"].Err, model.ErrSerialization)
	assert.Equal(t, "late", byID["c3"].Key)
	assert.Contains(t, byID["c3"].Err.Error(), "detected_at")
}

func TestConflictPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	rec := model.ConflictRecord{
		ID:          "c1",
		Key:         "project/config",
		Local:       entry("project/config", "timeout=30", "node-a", clock.VersionClock{"node-a": 1}, time.UnixMilli(1000)),
		Remote:      entry("project/config", "timeout=60", "node-b", clock.VersionClock{"node-b": 1}, time.UnixMilli(1003)),
		DetectedAt:  time.Now().UTC(),
		CloseInTime: true,
	}
	require.NoError(t, s.SaveConflict(ctx, rec))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	recs, damaged, err := reopened.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, damaged)
	require.Len(t, recs, 1)
	assert.Equal(t, "project/config", recs[0].Key)
	assert.Equal(t, "timeout=60", string(recs[0].Remote.Value))
	assert.Equal(t, uint64(1), recs[0].Remote.Clock.Get("node-b"))
	assert.True(t, recs[0].CloseInTime)

	require.NoError(t, reopened.DeleteConflict(ctx, "c1"))
	require.NoError(t, reopened.DeleteConflict(ctx, "c1"))
	recs, _, _ = reopened.LoadConflicts(ctx)
	assert.Empty(t, recs)
}

func TestMalformedClockIsSerializationError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (key, value, domain, clock, origin_node, updated_at)
		 VALUES ('bad', x'00', 'public', 'not json', 'n', ?)`, time.Now().UTC().Format(timeLayout))
	require.NoError(t, err)

	_, err = s.Get(ctx, "bad")
	assert.ErrorIs(t, err, model.ErrSerialization)
}

func TestEntriesSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.Set(ctx, entry("old-known", "1", "n", clock.VersionClock{"n": 1}, old)))
	require.NoError(t, s.Set(ctx, entry("old-unknown", "2", "n", clock.VersionClock{"n": 1}, old)))
	require.NoError(t, s.Set(ctx, entry("fresh", "3", "n", clock.VersionClock{"n": 1}, time.Now().UTC())))
	priv := entry("secret", "4", "n", clock.VersionClock{"n": 1}, time.Now().UTC())
	priv.Domain = model.DomainPrivate
	require.NoError(t, s.Set(ctx, priv))

	got, err := s.EntriesSince(ctx, time.Now().Add(-time.Minute), []string{"old-known", "fresh"})
	require.NoError(t, err)

	var keys []string
	for _, e := range got {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"old-unknown", "fresh"}, keys)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	dst := newTestStore(t)

	src.Write(ctx, WriteParams{Key: "a", Value: []byte("1"), NodeID: "node-a"})
	src.Write(ctx, WriteParams{Key: "b", Value: []byte("2"), NodeID: "node-a"})
	dst.Write(ctx, WriteParams{Key: "b", Value: []byte("local"), NodeID: "node-b"})

	exported, err := src.ExportAll(ctx, "")
	require.NoError(t, err)
	require.Len(t, exported, 2)

	n, concurrent, err := dst.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, concurrent, 1)
	assert.Equal(t, "b", concurrent[0].Key)

	// Re-import is a no-op.
	n, _, err = dst.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	s.Write(ctx, WriteParams{Key: "a", Value: []byte("1"), NodeID: "node-a"})
	s.Write(ctx, WriteParams{Key: "b", Value: []byte("2"), NodeID: "node-a", Domain: model.DomainPrivate})

	st, err := s.Stats(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PublicEntries)
	assert.Equal(t, 1, st.PrivateEntries)
	require.Len(t, st.Nodes, 1)
	assert.Equal(t, 2, st.Nodes[0].Count)
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	s.Close()

	_, err = os.Stat(dbPath)
	assert.False(t, os.IsNotExist(err), "expected db file to be created")
}
