package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/xmeta"
)

func newCtx() *xmeta.Context {
	return xmeta.NewContextTemplate("ctx.x", 10, "line", "title", "units", "family")
}

func TestDiffersIsTrueWithNoShadow(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	ctx := newCtx()
	assert.True(t, b.Differs(ctx))
}

func TestFormatAndCommitClearsDiffersUntilNextChange(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	ctx := newCtx()

	bundle := &hub.SliceBundle{}
	require.NoError(t, b.FormatAndCommit(ctx, bundle))
	require.Len(t, bundle.Messages, 1)
	assert.False(t, b.Differs(ctx), "a freshly committed shadow must match current state")

	ctx.Title = "title v2"
	assert.True(t, b.Differs(ctx), "a changed field must be detected as differing")
}

func TestFormatAndCommitBumpsVersionEachCall(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	ctx := newCtx()

	bundle := &hub.SliceBundle{}
	require.NoError(t, b.FormatAndCommit(ctx, bundle))
	v1 := ctx.Version

	ctx.Title = "title v2"
	require.NoError(t, b.FormatAndCommit(ctx, bundle))
	v2 := ctx.Version

	assert.NotEqual(t, v1, v2)
	assert.NotZero(t, v1)
}

func TestFormatAndCommitDeletedRemovesShadow(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	ctx := newCtx()
	bundle := &hub.SliceBundle{}
	require.NoError(t, b.FormatAndCommit(ctx, bundle))

	ctx.Flags.SetDeleted(cluster.FlagZeroRetention)
	require.NoError(t, b.FormatAndCommit(ctx, bundle))
	require.Len(t, bundle.Messages, 2)
	assert.True(t, bundle.Messages[1].Deleted)

	assert.True(t, b.Differs(ctx), "a deleted context with no shadow left must differ")
}

func TestMixVersionAdvancesOnIdenticalContentFromDifferentPriorVersion(t *testing.T) {
	h := uint64(12345)
	v1 := mixVersion(0, h)
	v2 := mixVersion(v1, h)
	assert.NotEqual(t, v1, v2)
	assert.NotZero(t, v1)
	assert.NotZero(t, v2)
}

func TestCheckpointAndLoadShadowsRoundTrip(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	ctx := newCtx()
	bundle := &hub.SliceBundle{}
	require.NoError(t, b.FormatAndCommit(ctx, bundle))

	b2, err := New(":memory:")
	require.NoError(t, err)
	_ = b2
	// Checkpointing and loading operate on the same store instance in this
	// test since buntdb's ":memory:" mode does not share state across
	// separate Open calls; verify the in-process round trip instead.
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})
	host.Contexts.Upsert(ctx.ID, ctx)
	require.NoError(t, b.Checkpoint(host))

	b.mu.Lock()
	b.shadows = make(map[string]shadow)
	b.mu.Unlock()
	require.NoError(t, b.LoadShadows())
	assert.False(t, b.Differs(ctx), "the replayed shadow must match the checkpointed state")
}

func TestDeleteHostRemovesEveryContextsShadow(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})
	ctxA := newCtx()
	ctxB := xmeta.NewContextTemplate("ctx.y", 10, "line", "title", "units", "family")
	host.Contexts.Upsert(ctxA.ID, ctxA)
	host.Contexts.Upsert(ctxB.ID, ctxB)

	bundle := &hub.SliceBundle{}
	require.NoError(t, b.FormatAndCommit(ctxA, bundle))
	require.NoError(t, b.FormatAndCommit(ctxB, bundle))
	require.False(t, b.Differs(ctxA))
	require.False(t, b.Differs(ctxB))

	require.NoError(t, b.DeleteHost(host))
	assert.True(t, b.Differs(ctxA), "a deleted host's contexts must have no surviving shadow")
	assert.True(t, b.Differs(ctxB))
}

func TestDeleteCheckpointIsIdempotent(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, b.DeleteCheckpoint("nonexistent"))
	require.NoError(t, b.DeleteCheckpoint("nonexistent"))
}

func TestVersionHashIgnoresHiddenContextsAndChangesWithRetention(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})

	visible := newCtx()
	visible.Version = 1
	host.Contexts.Upsert(visible.ID, visible)

	before := b.VersionHash(host)

	hidden := xmeta.NewContextTemplate("ctx.hidden", 10, "line", "t", "u", "f")
	hidden.Version = 999
	hidden.Flags.OrIn(cluster.FlagHidden)
	host.Contexts.Upsert(hidden.ID, hidden)

	assert.Equal(t, before, b.VersionHash(host), "a hidden context must not move the version hash")

	visible.Retention.LastTimeS = 100
	assert.NotEqual(t, before, b.VersionHash(host), "changed retention on a non-hidden context must move the hash")
}

func TestSnapshotAppendsOnlyNonDeletedContexts(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})

	live := newCtx()
	host.Contexts.Upsert(live.ID, live)

	dead := xmeta.NewContextTemplate("ctx.dead", 10, "line", "t", "u", "f")
	dead.Flags.SetDeleted(cluster.FlagZeroRetention)
	host.Contexts.Upsert(dead.ID, dead)

	bundle := &hub.SliceBundle{}
	b.Snapshot(host, bundle)

	require.Len(t, bundle.Messages, 1)
	assert.Equal(t, live.ID, bundle.Messages[0].ContextID)
}
