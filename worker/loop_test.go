package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/cmn"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/xmeta"
)

type fakeBridge struct {
	differs       bool
	checkpoints   int
	checkpointErr error
	deleted       []string

	// hashes, if non-nil, is consumed in order by VersionHash: the first
	// call returns hashes[0] (the pre-recompute value), the second (and
	// every call thereafter) returns the last element (the post-recompute,
	// "resulting" value a snapshot reports). A nil/empty hashes always
	// returns 0, i.e. "agrees with whatever the hub sent".
	hashes    []uint64
	hashCalls int
}

func (b *fakeBridge) Differs(*xmeta.Context) bool { return b.differs }
func (b *fakeBridge) FormatAndCommit(ctx *xmeta.Context, bundle hub.Bundle) error {
	bundle.Append(hub.Message{ContextID: ctx.ID})
	return nil
}
func (b *fakeBridge) Checkpoint(*xmeta.Host) error {
	b.checkpoints++
	return b.checkpointErr
}
func (b *fakeBridge) DeleteCheckpoint(id string) error {
	b.deleted = append(b.deleted, id)
	return nil
}
func (b *fakeBridge) VersionHash(*xmeta.Host) uint64 {
	if len(b.hashes) == 0 {
		return 0
	}
	i := b.hashCalls
	if i >= len(b.hashes) {
		i = len(b.hashes) - 1
	}
	b.hashCalls++
	return b.hashes[i]
}
func (b *fakeBridge) Snapshot(host *xmeta.Host, bundle hub.Bundle) {
	host.Contexts.WalkRead(func(_ string, ctx *xmeta.Context) bool {
		if !ctx.Flags.Load().IsSet(cluster.FlagDeleted) {
			bundle.Append(hub.Message{ContextID: ctx.ID})
		}
		return true
	})
}

type fakeTransport struct {
	connected    bool
	sent         []hub.Bundle
	claimID      string
	snapshots    []hub.Bundle
	snapshotHash uint64
}

func (t *fakeTransport) ClaimID() (string, bool) { return t.claimID, t.claimID != "" }
func (t *fakeTransport) IsConnected() bool       { return t.connected }
func (t *fakeTransport) SendUpdates(b hub.Bundle) error {
	t.sent = append(t.sent, b)
	return nil
}
func (t *fakeTransport) SendSnapshot(b hub.Bundle, hash uint64) error {
	t.snapshots = append(t.snapshots, b)
	t.snapshotHash = hash
	return nil
}

func newTestLoop(bridge *fakeBridge, transport hub.Transport) (*Loop, *HostQueues) {
	cfg := cmn.DefaultConfig()
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})
	hq := NewHostQueues(host, cfg, nil, bridge)
	l := New(cfg, xmeta.NewHosts(), bridge, transport)
	l.Register(hq)
	return l, hq
}

func newCollectedContext(hq *HostQueues) *xmeta.Context {
	ctx := xmeta.NewContextTemplate("ctx.x", 10, "line", "t", "u", "f")
	hq.Host.Contexts.Upsert(ctx.ID, ctx)
	return ctx
}

func TestDrainPostProcessRunsReducerAndDrainsQueue(t *testing.T) {
	bridge := &fakeBridge{differs: true}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	ctx := newCollectedContext(hq)
	ctx.Flags.OrIn(cluster.FlagLiveRetention)
	hq.PP.Enqueue(ctx, cluster.FlagNewObject)

	l.drainPostProcess(hq)

	assert.Empty(t, hq.PP.items, "drainPostProcess must empty the post-process queue")
}

func TestDrainHubSkipsWhenHostNotStreaming(t *testing.T) {
	bridge := &fakeBridge{differs: true}
	transport := &fakeTransport{connected: true}
	l, hq := newTestLoop(bridge, transport)
	ctx := newCollectedContext(hq)
	hq.HubQ.Enqueue(ctx, cluster.FlagNewObject)

	l.drainHub(hq)
	assert.Empty(t, transport.sent, "a non-streaming host must not dispatch to the transport")
}

func TestDrainHubSendsWhenStreamingAndConnected(t *testing.T) {
	bridge := &fakeBridge{differs: true}
	transport := &fakeTransport{connected: true}
	cfg := cmn.DefaultConfig()
	cfg.DefaultDebounce = 0
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})
	host.Streaming.Store(true)
	hq := NewHostQueues(host, cfg, nil, bridge)
	l := New(cfg, xmeta.NewHosts(), bridge, transport)
	l.Register(hq)

	ctx := newCollectedContext(hq)
	hq.HubQ.Enqueue(ctx, cluster.FlagNewObject)

	l.drainHub(hq)
	require.Len(t, transport.sent, 1)
}

func TestCheckRotationMarksEveryContextAndCheckpoints(t *testing.T) {
	bridge := &fakeBridge{differs: true}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	ctx := newCollectedContext(hq)

	next := l.checkRotation()
	assert.Equal(t, l.cfg.RotationDebounce, next)
	assert.True(t, ctx.Flags.Load().IsSet(cluster.FlagStorageRotation))
	assert.Equal(t, 1, bridge.checkpoints)
	assert.NotEmpty(t, hq.PP.items)
}

func TestGCPassDeletesDeletedChildlessContextsUpToCap(t *testing.T) {
	bridge := &fakeBridge{}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	l.cfg.GCBatchCap = 1

	for _, id := range []string{"ctx.a", "ctx.b"} {
		c := xmeta.NewContextTemplate(id, 10, "line", "t", "u", "f")
		c.Flags.SetDeleted(cluster.FlagZeroRetention)
		hq.Host.Contexts.Upsert(id, c)
	}

	l.gcPass()
	assert.Equal(t, 1, hq.Host.Contexts.Len(), "gcPass must stop once the batch cap is hit")
	assert.Len(t, bridge.deleted, 1)
}

type deletingBridge struct {
	fakeBridge
	deletedHosts []string
}

func (b *deletingBridge) DeleteHost(host *xmeta.Host) error {
	b.deletedHosts = append(b.deletedHosts, host.UUID)
	return nil
}

func TestRemoveHostCascadesThroughBridgeAndRegistry(t *testing.T) {
	bridge := &deletingBridge{}
	cfg := cmn.DefaultConfig()
	host := xmeta.NewHost("host-1", "test-host", xmeta.NopStats{})
	hosts := xmeta.NewHosts()
	hosts.Add(host)
	hq := NewHostQueues(host, cfg, nil, bridge)
	l := New(cfg, hosts, bridge, &fakeTransport{})
	l.Register(hq)

	require.NoError(t, l.RemoveHost("host-1"))
	assert.Equal(t, []string{"host-1"}, bridge.deletedHosts)
	assert.Nil(t, hosts.Get("host-1"))
	assert.NotContains(t, l.perHost, "host-1")
}

func TestRemoveHostOnUnknownUUIDIsANoOp(t *testing.T) {
	bridge := &deletingBridge{}
	l, _ := newTestLoop(&bridge.fakeBridge, &fakeTransport{})
	require.NoError(t, l.RemoveHost("nonexistent"))
	assert.Empty(t, bridge.deletedHosts)
}

func TestGCPassLeavesNonDeletedContextsAlone(t *testing.T) {
	bridge := &fakeBridge{}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	newCollectedContext(hq)

	l.gcPass()
	assert.Equal(t, 1, hq.Host.Contexts.Len())
	assert.Empty(t, bridge.deleted)
}

func newDeletedMetric(inst *xmeta.Instance, id string) *xmeta.Metric {
	m, _, _ := inst.Children.Upsert(id, xmeta.NewMetricTemplate(id, id, uuid.New(), nil))
	m.Flags.SetDeleted(cluster.FlagZeroRetention)
	return m
}

func newDeletedChildlessInstance(ctx *xmeta.Context, id string) *xmeta.Instance {
	inst, _, _ := ctx.Children.Upsert(id, xmeta.NewInstanceTemplate(id, uuid.New(), nil, xmeta.NopStats{}))
	inst.Flags.SetDeleted(cluster.FlagZeroRetention)
	return inst
}

func TestGCPassRemovesDeletedMetricsUpToTheSharedCap(t *testing.T) {
	bridge := &fakeBridge{}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	l.cfg.GCBatchCap = 1

	ctx := newCollectedContext(hq)
	inst, _, _ := ctx.Children.Upsert("inst.1", xmeta.NewInstanceTemplate("inst.1", uuid.New(), nil, xmeta.NopStats{}))
	newDeletedMetric(inst, "m.a")
	newDeletedMetric(inst, "m.b")

	l.gcPass()
	assert.Equal(t, 1, inst.Children.Len(), "gcPass must stop freeing metrics once the shared cap is hit")
}

func TestGCPassRemovesDeletedChildlessInstances(t *testing.T) {
	bridge := &fakeBridge{}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	l.cfg.GCBatchCap = 10

	ctx := newCollectedContext(hq)
	newDeletedChildlessInstance(ctx, "inst.a")
	newDeletedChildlessInstance(ctx, "inst.b")

	l.gcPass()
	assert.Equal(t, 0, ctx.Children.Len(), "both deleted, childless instances must be freed within budget")
}

func TestHandleCheckpointOnMatchingHashDoesNotSnapshot(t *testing.T) {
	bridge := &fakeBridge{hashes: []uint64{7}}
	transport := &fakeTransport{connected: true}
	l, hq := newTestLoop(bridge, transport)
	newCollectedContext(hq)

	require.NoError(t, l.HandleCheckpoint(hq.Host.UUID, 7))
	assert.Empty(t, transport.snapshots, "matching hashes must not trigger a snapshot")
	assert.Equal(t, uint64(7), hq.Host.LastHubHash.Load())
}

func TestHandleCheckpointOnMismatchRecomputesAndSnapshotsNonDeletedContexts(t *testing.T) {
	// Pre-recompute hash (5) disagrees with the hub's (7); post-recompute
	// hash (9) is what must travel with the snapshot — scenario 4's "hash
	// equal to the locally recomputed one".
	bridge := &fakeBridge{hashes: []uint64{5, 9}}
	transport := &fakeTransport{connected: true}
	l, hq := newTestLoop(bridge, transport)
	live := newCollectedContext(hq)
	live.Flags.SetCollected()
	live.Flags.OrIn(cluster.FlagLiveRetention)

	dead := xmeta.NewContextTemplate("ctx.dead", 10, "line", "t", "u", "f")
	dead.Flags.SetDeleted(cluster.FlagZeroRetention)
	hq.Host.Contexts.Upsert(dead.ID, dead)

	require.NoError(t, l.HandleCheckpoint(hq.Host.UUID, 7))

	require.Len(t, transport.snapshots, 1)
	assert.Equal(t, uint64(9), transport.snapshotHash)
	bundle := transport.snapshots[0].(*hub.SliceBundle)
	require.Len(t, bundle.Messages, 1, "the snapshot must contain only non-deleted contexts")
	assert.Equal(t, live.ID, bundle.Messages[0].ContextID)
}

func TestHandleCheckpointOnUnknownHostIsANoOp(t *testing.T) {
	bridge := &fakeBridge{hashes: []uint64{5, 9}}
	l, _ := newTestLoop(bridge, &fakeTransport{connected: true})
	require.NoError(t, l.HandleCheckpoint("nonexistent", 7))
}

func TestGCPassSpendsOneBudgetAcrossAllThreeLevels(t *testing.T) {
	bridge := &fakeBridge{}
	l, hq := newTestLoop(bridge, &fakeTransport{})
	l.cfg.GCBatchCap = 2

	ctx := newCollectedContext(hq)
	inst, _, _ := ctx.Children.Upsert("inst.1", xmeta.NewInstanceTemplate("inst.1", uuid.New(), nil, xmeta.NopStats{}))
	newDeletedMetric(inst, "m.a")
	newDeletedChildlessInstance(ctx, "inst.b")
	newDeletedChildlessInstance(ctx, "inst.c")

	l.gcPass()
	// Budget of 2 shared across levels: two of the three deleted rows (the
	// metric under inst.1 and the two childless instances) are freed, in
	// whatever order the walk reaches them — never all three.
	freedInstances := 3 - ctx.Children.Len()
	freedMetrics := 1 - inst.Children.Len()
	assert.Equal(t, 2, freedInstances+freedMetrics, "gcPass must cap total removals across levels, not per level")
}
