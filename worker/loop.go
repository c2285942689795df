// Package worker implements C9, the worker loop: it heartbeats, drains
// both per-host queues (one goroutine per host per heartbeat), runs a
// periodic full recompute every RotationDebounce, and runs GC capped at a
// fixed rows-per-pass budget (spec §4.9).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package worker

import (
	"context"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/cmn"
	"github.com/metridex/agent/dispatch"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/reducer"
	"github.com/metridex/agent/worker/hk"
	"github.com/metridex/agent/xmeta"
)

// Bridge is the persistence-bridge surface the loop needs: dispatch
// formatting/visibility, the checkpoint call a full recompute drives, and
// the §4.7 version-hash identity/snapshot pair the checkpoint-mismatch
// path uses.
type Bridge interface {
	dispatch.Bridge
	Checkpoint(host *xmeta.Host) error
	VersionHash(host *xmeta.Host) uint64
	Snapshot(host *xmeta.Host, bundle hub.Bundle)
}

// HostQueues bundles one host's post-process and hub dispatch queues —
// the two structures the loop drains every heartbeat (§4.9).
type HostQueues struct {
	Host    *xmeta.Host
	PP      *ppQueue
	HubQ    *dispatch.Queue
	Reducer *reducer.Reducer
}

// ppQueue is the post-processing queue: a simple dedup set of contexts
// awaiting a reducer pass. It lives in worker rather than xmeta/reducer so
// hooks, reducer, and the loop can all see the same concrete type without
// a three-way import cycle.
type ppQueue struct {
	items map[string]*xmeta.Context
}

func newPPQueue() *ppQueue { return &ppQueue{items: make(map[string]*xmeta.Context)} }

func (q *ppQueue) Enqueue(ctx *xmeta.Context, _ cluster.Flags) {
	q.items[ctx.ID] = ctx
}

func (q *ppQueue) drain(fn func(*xmeta.Context)) {
	for id, ctx := range q.items {
		fn(ctx)
		delete(q.items, id)
	}
}

// NewHostQueues wires one host's post-process queue, hub dispatch queue,
// and reducer together, and records the two queues in the host's
// PostProcessQ/HubQ handles.
func NewHostQueues(host *xmeta.Host, cfg *cmn.Config, ret reducer.RetentionSource, vis reducer.Visibility) *HostQueues {
	pp := newPPQueue()
	hubQ := dispatch.New(cfg)
	red := reducer.New(cfg, ret, vis, hubQ)
	host.PostProcessQ = pp
	host.HubQ = hubQ
	return &HostQueues{Host: host, PP: pp, HubQ: hubQ, Reducer: red}
}

// Loop is the C9 worker: it owns every host's queue pair and the hub
// transport. Run's goroutine executes housekeeping and GC; each tick's
// per-host queue drains run concurrently, one goroutine per host; and
// HandleCheckpoint runs on its caller's goroutine.
type Loop struct {
	cfg       *cmn.Config
	hosts     *xmeta.Hosts
	perHost   map[string]*HostQueues
	bridge    Bridge
	transport hub.Transport
	hk        *hk.Registry
}

func New(cfg *cmn.Config, hosts *xmeta.Hosts, bridge Bridge, transport hub.Transport) *Loop {
	return &Loop{
		cfg:       cfg,
		hosts:     hosts,
		perHost:   make(map[string]*HostQueues),
		bridge:    bridge,
		transport: transport,
		hk:        hk.New(),
	}
}

// Register attaches a host's already-built queue set to the loop. Called
// once per host, typically right after worker.NewHostQueues.
func (l *Loop) Register(hq *HostQueues) {
	l.perHost[hq.Host.UUID] = hq
}

// RemoveHost implements the supplemented host-removal cascade (SPEC_FULL.md
// §5's sqlite_context.c analogue): every context under the host is dropped
// from the persistence bridge before the host itself drops out of both the
// loop's own registry and the shared Hosts table.
func (l *Loop) RemoveHost(uuid string) error {
	hq, ok := l.perHost[uuid]
	if !ok {
		return nil
	}
	if deleter, ok := l.bridge.(interface {
		DeleteHost(host *xmeta.Host) error
	}); ok {
		if err := deleter.DeleteHost(hq.Host); err != nil {
			return err
		}
	}
	delete(l.perHost, uuid)
	l.hosts.Remove(uuid)
	return nil
}

// Run blocks, heartbeating every cfg.Heartbeat until ctx is cancelled
// (§4.9: "1s heartbeat... storage-rotation-triggered full recompute").
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Heartbeat)
	defer ticker.Stop()
	l.hk.Reg("storage-rotation-recompute", l.checkRotation, l.cfg.RotationDebounce)

	for {
		select {
		case <-ctx.Done():
			glog.Info("worker: loop stopping")
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick runs one heartbeat's worth of work across every registered host:
// run housekeeping, drain post-process queue into the reducer, drain the
// hub dispatch queue into the transport (if connected), then GC. Each host's
// tree is independent, so the per-host drain fans out on an errgroup rather
// than running hosts one at a time.
func (l *Loop) tick() {
	l.hk.Tick()

	var g errgroup.Group
	for _, hq := range l.perHost {
		hq := hq
		g.Go(func() error {
			l.drainPostProcess(hq)
			l.drainHub(hq)
			return nil
		})
	}
	_ = g.Wait() // the per-host closures never return an error

	l.gcPass()
}

func (l *Loop) drainPostProcess(hq *HostQueues) {
	hq.PP.drain(func(c *xmeta.Context) {
		hq.Reducer.Reduce(c)
	})
}

func (l *Loop) drainHub(hq *HostQueues) {
	if !hq.Host.Streaming.Load() || l.transport == nil || !l.transport.IsConnected() {
		return
	}
	bundle := &hub.SliceBundle{}
	sent, carried := hq.HubQ.Drain(l.bridge, bundle)
	if sent == 0 {
		return
	}
	if err := l.transport.SendUpdates(bundle); err != nil {
		glog.Errorf("worker: send updates for host %s failed: %v", hq.Host.UUID, err)
		return
	}
	if carried > 0 {
		glog.V(3).Infof("worker: host %s carried %d contexts past dispatch cap", hq.Host.UUID, carried)
	}
}

// checkRotation is registered with hk and runs every cfg.RotationDebounce
// (~120s, §4.9): it queues every context for post-processing with
// STORAGE_ROTATION, since retention tiers may have shifted under contexts
// the index never saw a per-metric hook for. It runs on that interval
// unconditionally; no storage-rotation event from the engine triggers or
// skips it. It also
// reruns the §4.7 version-hash cross-check against the last hash the hub
// sent us (SPEC_FULL.md supplement #5), in case a connectivity gap left
// the hub and the agent disagreeing without a fresh checkpoint command to
// catch it.
func (l *Loop) checkRotation() time.Duration {
	for _, hq := range l.perHost {
		hq.Host.Contexts.WalkRead(func(_ string, c *xmeta.Context) bool {
			c.Flags.OrIn(cluster.FlagStorageRotation | cluster.FlagUpdated | cluster.FlagQueuedForPP)
			hq.PP.Enqueue(c, cluster.FlagStorageRotation)
			return true
		})
		if err := l.bridge.Checkpoint(hq.Host); err != nil {
			glog.Errorf("worker: checkpoint for host %s failed: %v", hq.Host.UUID, err)
		}
		if err := l.reconcileVersionHash(hq, hq.Host.LastHubHash.Load()); err != nil {
			glog.Errorf("worker: version-hash snapshot for host %s failed: %v", hq.Host.UUID, err)
		}
	}
	return l.cfg.RotationDebounce
}

// HandleCheckpoint is the worker-side callback a hub checkpoint(claim_id,
// node_id, version_hash) command drives through hooks.Hooks.HandleCheckpoint
// once the claim ID has already been validated (§4.7). hubHash is recorded
// as the host's new cross-check baseline regardless of outcome, then a
// mismatch triggers a deep recompute and a snapshot bundle.
func (l *Loop) HandleCheckpoint(uuid string, hubHash uint64) error {
	hq, ok := l.perHost[uuid]
	if !ok {
		return nil
	}
	hq.Host.LastHubHash.Store(hubHash)
	return l.reconcileVersionHash(hq, hubHash)
}

// reconcileVersionHash implements the mismatch branch of §4.7's
// version-hash identity: if the hub-supplied hash disagrees with a
// freshly recomputed one, every context is re-reduced synchronously (a
// "deep retention recomputation", as opposed to the debounced
// post-process queue drain), then a snapshot bundle of every non-deleted
// context is sent with the resulting (post-recompute) hash attached.
func (l *Loop) reconcileVersionHash(hq *HostQueues, hubHash uint64) error {
	if l.bridge.VersionHash(hq.Host) == hubHash {
		return nil
	}
	hq.Host.Contexts.WalkRead(func(_ string, c *xmeta.Context) bool {
		hq.Reducer.Reduce(c)
		return true
	})
	if l.transport == nil {
		return nil
	}
	bundle := &hub.SliceBundle{}
	l.bridge.Snapshot(hq.Host, bundle)
	return l.transport.SendSnapshot(bundle, l.bridge.VersionHash(hq.Host))
}

// gcPass physically removes DELETED rows at every tree level — metrics,
// instances, then contexts — capped at one shared cfg.GCBatchCap budget
// per pass (§4.9). The reducer only ever flag-marks a row as deleted
// (reducer.Reduce/reduceInstance); this is the sole place physical removal
// happens, so the cap bounds rows freed across all three levels together
// rather than per level. Hosts spend the budget one after another in map
// iteration order, so one host can use all of it in a pass.
func (l *Loop) gcPass() {
	budget := l.cfg.GCBatchCap
	for _, hq := range l.perHost {
		if budget <= 0 {
			break
		}
		l.gcHost(hq, &budget)
	}
}

func (l *Loop) gcHost(hq *HostQueues, budget *int) {
	var freed []string
	hq.Host.Contexts.WalkWrite(func(id string, c *xmeta.Context) (del bool) {
		if *budget <= 0 {
			return false
		}
		gcInstances(c, budget)
		if *budget <= 0 {
			return false
		}
		if c.Flags.Load().IsSet(cluster.FlagDeleted) && c.Children.Len() == 0 {
			*budget--
			freed = append(freed, id)
			return true
		}
		return false
	})
	if len(freed) > 0 {
		hq.HubQ.GC()
	}
	for _, id := range freed {
		if deleter, ok := l.bridge.(interface{ DeleteCheckpoint(string) error }); ok {
			_ = deleter.DeleteCheckpoint(id)
		}
	}
}

// gcInstances removes DELETED, childless instances under one context,
// descending into each surviving instance's metrics first so the shared
// budget is spent bottom-up.
func gcInstances(c *xmeta.Context, budget *int) {
	c.Children.WalkWrite(func(_ string, inst *xmeta.Instance) (del bool) {
		if *budget <= 0 {
			return false
		}
		gcMetrics(inst, budget)
		if *budget <= 0 {
			return false
		}
		if inst.Flags.Load().IsSet(cluster.FlagDeleted) && inst.Children.Len() == 0 {
			*budget--
			return true
		}
		return false
	})
}

// gcMetrics removes DELETED metrics under one instance.
func gcMetrics(inst *xmeta.Instance, budget *int) {
	inst.Children.WalkWrite(func(_ string, m *xmeta.Metric) (del bool) {
		if *budget <= 0 {
			return false
		}
		if m.Flags.Load().IsSet(cluster.FlagDeleted) {
			*budget--
			return true
		}
		return false
	})
}
