package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/completion"
	"github.com/rcliao/memory-mesh/internal/config"
	"github.com/rcliao/memory-mesh/internal/conflict"
	"github.com/rcliao/memory-mesh/internal/guard"
	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/resolve"
	"github.com/rcliao/memory-mesh/internal/store"
)

type node struct {
	store *store.SQLiteStore
	guard *guard.Guard
	inbox *Inbox
}

func newNode(t *testing.T, id string) *node {
	return newNodeWithProvider(t, id, nil)
}

func newNodeWithProvider(t *testing.T, id string, p completion.Provider) *node {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.NodeID = id
	eng := resolve.NewEngine(p, resolve.Options{NodeID: id, Timeout: 2 * time.Second, Attempts: 1})
	g, err := guard.New(cfg, st, conflict.NewRegistry(st), eng)
	require.NoError(t, err)
	return &node{store: st, guard: g, inbox: NewInbox(st, g, id)}
}

type mergeProvider struct {
	fn func(ctx context.Context) (string, error)
}

func (mergeProvider) Name() string { return "merge" }

func (p mergeProvider) Complete(ctx context.Context, _ string) (string, error) {
	return p.fn(ctx)
}

func write(t *testing.T, n *node, nodeID, key, value string) model.MemoryEntry {
	t.Helper()
	e, err := n.store.Write(context.Background(), store.WriteParams{Key: key, Value: []byte(value), NodeID: nodeID})
	require.NoError(t, err)
	return *e
}

func TestApplyCausalOrder(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")

	v1 := write(t, a, "node-a", "k", "v1")
	res, err := b.inbox.Apply(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	v2 := write(t, a, "node-a", "k", "v2")
	res, err = b.inbox.Apply(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	// Stale and duplicate deliveries are dropped.
	res, err = b.inbox.Apply(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res)
	res, err = b.inbox.Apply(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res)

	got, err := b.store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got.Value))
	assert.Equal(t, clock.VersionClock{"node-a": 2}, got.Clock)
	assert.Equal(t, conflict.Clean, b.guard.State("k"))
}

func TestApplyConcurrentCreatesConflict(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")

	write(t, a, "node-a", "project/config", "timeout=30")
	remote := write(t, b, "node-b", "project/config", "timeout=60")

	res, err := a.inbox.Apply(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res)
	assert.Equal(t, conflict.Detected, a.guard.State("project/config"))

	// Local value is untouched until someone resolves.
	got, err := a.store.Get(ctx, "project/config")
	require.NoError(t, err)
	assert.Equal(t, "timeout=30", string(got.Value))

	// Redelivery does not add a second record.
	_, err = a.inbox.Apply(ctx, remote)
	require.NoError(t, err)
	assert.Len(t, a.guard.OpenConflicts(), 1)
}

func TestDominatingBroadcastClosesConflict(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")

	local := write(t, a, "node-a", "project/config", "timeout=30")
	remote := write(t, b, "node-b", "project/config", "timeout=60")
	res, err := a.inbox.Apply(ctx, remote)
	require.NoError(t, err)
	require.Equal(t, Conflicted, res)

	// node-b saw both versions and wrote a value that follows them.
	next := remote.Clone()
	next.Value = []byte("timeout=45")
	next.Clock = local.Clock.Merge(remote.Clock)
	res, err = a.inbox.Apply(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	assert.Equal(t, conflict.Clean, a.guard.State("project/config"))
	assert.Empty(t, a.guard.OpenConflicts())
	remotes, err := a.store.RemoteVersions(ctx, "project/config")
	require.NoError(t, err)
	assert.Empty(t, remotes)

	sc, err := a.guard.CheckAndCreateContext(ctx, []string{"project/config"})
	require.NoError(t, err)
	got, ok := sc.Get("project/config")
	require.True(t, ok)
	assert.Equal(t, "timeout=45", string(got.Value))

	reloaded := conflict.NewRegistry(a.store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Zero(t, reloaded.Len())
}

func TestBroadcastDuringMergeWaitsForResolution(t *testing.T) {
	ctx := context.Background()
	var a *node
	// node-d's write follows node-a's original version only.
	fromD := model.MemoryEntry{Key: "project/config", Value: []byte("timeout=50"), Domain: model.DomainPublic,
		Clock: clock.VersionClock{"node-a": 1, "node-d": 1}, OriginNode: "node-d", UpdatedAt: time.Unix(1010, 0)}

	type applied struct {
		res ApplyResult
		err error
	}
	done := make(chan applied, 1)
	landedDuringMerge := false
	a = newNodeWithProvider(t, "node-a", mergeProvider{fn: func(context.Context) (string, error) {
		go func() {
			res, err := a.inbox.Apply(ctx, fromD)
			done <- applied{res, err}
		}()
		select {
		case <-done:
			landedDuringMerge = true
		case <-time.After(50 * time.Millisecond):
		}
		return "<merged>timeout=45</merged>", nil
	}})
	b := newNode(t, "node-b")

	write(t, a, "node-a", "project/config", "timeout=30")
	remote := write(t, b, "node-b", "project/config", "timeout=60")
	_, err := a.inbox.Apply(ctx, remote)
	require.NoError(t, err)
	open := a.guard.OpenConflicts()
	require.Len(t, open, 1)

	out, err := a.guard.ResolveConflict(ctx, open[0].ID, model.ResolutionChoice{Kind: model.AIMerge})
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.False(t, landedDuringMerge, "broadcast was applied while the key was being resolved")

	var got applied
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never applied")
	}
	require.NoError(t, got.err)
	// The resolved write and node-d's write are concurrent; neither is lost.
	assert.Equal(t, Conflicted, got.res)

	stored, err := a.store.Get(ctx, "project/config")
	require.NoError(t, err)
	assert.Equal(t, "timeout=45", string(stored.Value))
	assert.Equal(t, clock.VersionClock{"node-a": 2, "node-b": 1}, stored.Clock)

	open = a.guard.OpenConflicts()
	require.Len(t, open, 1)
	assert.Equal(t, "node-d", open[0].Remote.OriginNode)
	assert.Equal(t, "timeout=50", string(open[0].Remote.Value))
}

func TestDivergentResolutionsSurfaceAsConflict(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")

	fromA := write(t, a, "node-a", "project/config", "timeout=30")
	fromB := write(t, b, "node-b", "project/config", "timeout=60")
	_, err := a.inbox.Apply(ctx, fromB)
	require.NoError(t, err)
	_, err = b.inbox.Apply(ctx, fromA)
	require.NoError(t, err)

	// Each node keeps its own value.
	for _, n := range []*node{a, b} {
		open := n.guard.OpenConflicts()
		require.Len(t, open, 1)
		_, err := n.guard.ResolveConflict(ctx, open[0].ID, model.ResolutionChoice{Kind: model.KeepLocal})
		require.NoError(t, err)
	}

	resolvedA, err := a.store.Get(ctx, "project/config")
	require.NoError(t, err)
	resolvedB, err := b.store.Get(ctx, "project/config")
	require.NoError(t, err)
	require.Equal(t, clock.Concurrent, resolvedA.Clock.Compare(resolvedB.Clock))

	res, err := a.inbox.Apply(ctx, *resolvedB)
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res)
	open := a.guard.OpenConflicts()
	require.Len(t, open, 1)
	assert.Equal(t, "timeout=30", string(open[0].Local.Value))
	assert.Equal(t, "timeout=60", string(open[0].Remote.Value))

	res, err = b.inbox.Apply(ctx, *resolvedA)
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res)
	assert.Equal(t, conflict.Detected, b.guard.State("project/config"))
}

func TestApplyRejectsPrivateAndInvalid(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "node-a")

	priv := model.MemoryEntry{Key: "k", Value: []byte("x"), Domain: model.DomainPrivate,
		Clock: clock.VersionClock{"node-b": 1}, OriginNode: "node-b", UpdatedAt: time.Now()}
	_, err := n.inbox.Apply(ctx, priv)
	assert.ErrorIs(t, err, model.ErrPrivateEntry)

	noClock := model.MemoryEntry{Key: "k", Value: []byte("x"), Domain: model.DomainPublic, OriginNode: "node-b"}
	_, err = n.inbox.Apply(ctx, noClock)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = n.store.Get(ctx, "k")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestApplyDoesNotOverwritePrivateKey(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "node-a")
	_, err := n.store.Write(ctx, store.WriteParams{Key: "notes", Value: []byte("mine"), Domain: model.DomainPrivate, NodeID: "node-a"})
	require.NoError(t, err)

	res, err := n.inbox.Apply(ctx, model.MemoryEntry{Key: "notes", Value: []byte("theirs"), Domain: model.DomainPublic,
		Clock: clock.VersionClock{"node-a": 5, "node-b": 1}, OriginNode: "node-b", UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Ignored, res)

	got, err := n.store.Get(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got.Value))
}

func TestApplyAllSummary(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "node-a")
	b := newNode(t, "node-b")

	write(t, b, "node-b", "shared", "b")
	entries := []model.MemoryEntry{
		write(t, a, "node-a", "x", "1"),
		write(t, a, "node-a", "shared", "a"),
		{Key: "bad", Domain: model.DomainPrivate},
	}

	sum, err := b.inbox.ApplyAll(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, Summary{Applied: 1, Conflicted: 1, Rejected: 1}, sum)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "node-a")
	e := write(t, n, "node-a", "k", "v")

	reply := n.inbox.Handle(ctx, Message{Type: TypeRequest})
	require.NotNil(t, reply)
	assert.Equal(t, TypeResponse, reply.Type)
	assert.Equal(t, "node-a", reply.From)
	require.Len(t, reply.Entries, 1)
	assert.Equal(t, "k", reply.Entries[0].Key)

	reply = n.inbox.Handle(ctx, Message{Type: TypeBroadcast, Entry: &e})
	assert.Equal(t, Ignored, reply.Result)
	assert.Empty(t, reply.Error)

	reply = n.inbox.Handle(ctx, Message{Type: TypeBroadcast})
	assert.NotEmpty(t, reply.Error)

	reply = n.inbox.Handle(ctx, Message{Type: "gossip"})
	assert.Contains(t, reply.Error, "gossip")

	assert.Nil(t, n.inbox.Handle(ctx, Message{Type: TypeResponse}))
}

func serve(t *testing.T, n *node) string {
	t.Helper()
	srv := httptest.NewServer(NewRouter(n.inbox, func() int { return len(n.guard.OpenConflicts()) }))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + SyncPath
}

func TestHealth(t *testing.T) {
	n := newNode(t, "node-b")
	srv := httptest.NewServer(NewRouter(n.inbox, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, Health{Node: "node-b"}, h)
}

func TestClientServerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newNode(t, "node-a")
	b := newNode(t, "node-b")
	url := serve(t, b)

	c, err := Dial(ctx, url, "node-a")
	require.NoError(t, err)
	defer c.Close()

	e := write(t, a, "node-a", "project/config", "timeout=30")
	res, err := c.Broadcast(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	got, err := b.store.Get(ctx, "project/config")
	require.NoError(t, err)
	assert.Equal(t, "timeout=30", string(got.Value))

	write(t, b, "node-b", "only-b", "hello")
	entries, err := c.Request(ctx, time.Time{}, nil)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"project/config", "only-b"}, keys)

	sum, err := a.inbox.ApplyAll(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, sum.Ignored)
}

func TestClientBroadcastConflictAndPrivate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newNode(t, "node-a")
	b := newNode(t, "node-b")
	url := serve(t, b)
	write(t, b, "node-b", "project/config", "timeout=60")

	c, err := Dial(ctx, url, "node-a")
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Broadcast(ctx, write(t, a, "node-a", "project/config", "timeout=30"))
	require.NoError(t, err)
	assert.Equal(t, Conflicted, res)
	assert.Equal(t, conflict.Detected, b.guard.State("project/config"))

	priv, err := a.store.Write(ctx, store.WriteParams{Key: "secret", Value: []byte("x"), Domain: model.DomainPrivate, NodeID: "node-a"})
	require.NoError(t, err)
	_, err = c.Broadcast(ctx, *priv)
	assert.ErrorIs(t, err, model.ErrPrivateEntry)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/sync", "node-a")
	assert.Error(t, err)
}
