// Package dispatch implements C6, the per-host hub dispatch queue: the
// structure that debounces outgoing context notifications by dirty reason
// and drains them to the hub transport when connected (spec §4.6).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"sync"
	"time"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/cmn"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/xmeta"
)

// reasonBits maps each individual §3.5 dirty flag bit to the symbolic
// cmn.DirtyReason the debounce table is keyed by.
var reasonBits = []struct {
	bit    cluster.Flags
	reason cmn.DirtyReason
}{
	{cluster.FlagNewObject, cmn.ReasonNewObject},
	{cluster.FlagUpdatedMetadata, cmn.ReasonUpdatedMetadata},
	{cluster.FlagChangedLinking, cmn.ReasonChangedLinking},
	{cluster.FlagChangedFirstTime, cmn.ReasonChangedFirstTime},
	{cluster.FlagChangedLastTime, cmn.ReasonChangedLastTime},
	{cluster.FlagStartedCollecting, cmn.ReasonStartedCollecting},
	{cluster.FlagStoppedCollecting, cmn.ReasonStoppedCollecting},
	{cluster.FlagDisconnectedChild, cmn.ReasonDisconnectedChild},
	{cluster.FlagStorageRotation, cmn.ReasonStorageRotation},
	{cluster.FlagLoadFromStore, cmn.ReasonLoadFromStore},
	{cluster.FlagTriggeredByChild, cmn.ReasonTriggeredByChild},
	{cluster.FlagZeroRetention, cmn.ReasonZeroRetention},
	{cluster.FlagUpdateRetention, cmn.ReasonUpdateRetention},
}

func reasonsFromFlags(f cluster.Flags) []cmn.DirtyReason {
	out := make([]cmn.DirtyReason, 0, len(reasonBits))
	for _, rb := range reasonBits {
		if f.IsSet(rb.bit) {
			out = append(out, rb.reason)
		}
	}
	return out
}

// Bridge is persist.Bridge narrowed to what the drain pass needs: format
// ctx's current hub-visible state into the bundle, commit the shadow, and
// bump the version (spec §4.6's "formats a bundle through C7").
type Bridge interface {
	FormatAndCommit(ctx *xmeta.Context, bundle hub.Bundle) error
	Differs(ctx *xmeta.Context) bool
}

// Queue is the C6 hub dispatch queue for one host. A second Enqueue for an
// already-queued context OR-merges the new reason rather than creating a
// second entry (§3.6.5 queue idempotence).
type Queue struct {
	cfg *cmn.Config

	mu    sync.Mutex
	items map[string]*xmeta.Context

	now func() time.Time // overridable for deterministic tests
}

func New(cfg *cmn.Config) *Queue {
	return &Queue{cfg: cfg, items: make(map[string]*xmeta.Context), now: time.Now}
}

// Enqueue implements the insert/conflict callbacks of §4.6: stamp
// queued_at on first insertion, OR-merge the observed reason set either
// way, and invalidate the cached scheduled-dispatch time so it is
// recomputed lazily on next inspection.
func (q *Queue) Enqueue(ctx *xmeta.Context, reason cluster.Flags) {
	q.mu.Lock()
	_, existed := q.items[ctx.ID]
	if !existed {
		q.items[ctx.ID] = ctx
	}
	q.mu.Unlock()

	ctx.Flags.OrIn(cluster.FlagQueuedForHub)
	for _, rb := range reasonBits {
		if reason.IsSet(rb.bit) {
			ctx.MergeQueuedReason(rb.bit)
		}
	}

	ctx.Mu.Lock()
	if !existed || ctx.QueuedAtUS == 0 {
		ctx.QueuedAtUS = q.now().UnixMicro()
	}
	ctx.ScheduledDispatchAtUS = 0 // stale; Drain recomputes lazily
	ctx.Mu.Unlock()
}

// ensureScheduled computes scheduled_dispatch_at the first time it is
// inspected after a (re-)queue, per §4.6's formula:
//
//	scheduled_at = queued_at + min{ delay(r) : r in queued_reasons }
func (q *Queue) ensureScheduled(ctx *xmeta.Context) int64 {
	ctx.Mu.Lock()
	defer ctx.Mu.Unlock()
	if ctx.ScheduledDispatchAtUS != 0 {
		return ctx.ScheduledDispatchAtUS
	}
	reasons := make([]cmn.DirtyReason, 0, len(ctx.QueuedReasons))
	for bit := range ctx.QueuedReasons {
		for _, rb := range reasonBits {
			if bit == rb.bit {
				reasons = append(reasons, rb.reason)
			}
		}
	}
	delay := q.cfg.DelayFor(reasons)
	ctx.ScheduledDispatchAtUS = ctx.QueuedAtUS + delay.Microseconds()
	return ctx.ScheduledDispatchAtUS
}

// Len reports the number of contexts currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain implements the §4.6 drain procedure. It runs only when the caller
// has already established the host wants to stream and the transport is
// connected; Drain itself is transport-agnostic and just decides which
// contexts are due. It returns the number of messages formatted into
// bundle and the number of contexts carried over to the next tick because
// the bundle cap (cfg.DispatchBundleCap) was hit.
func (q *Queue) Drain(bridge Bridge, bundle hub.Bundle) (sent, carried int) {
	now := q.now().UnixMicro()

	q.mu.Lock()
	due := make([]*xmeta.Context, 0, len(q.items))
	for _, ctx := range q.items {
		if q.ensureScheduled(ctx) <= now {
			due = append(due, ctx)
		}
	}
	q.mu.Unlock()

	for _, ctx := range due {
		if sent >= q.cfg.DispatchBundleCap {
			carried++
			continue
		}
		ctx.Mu.Lock()
		stillDiffers := bridge.Differs(ctx)
		ctx.Mu.Unlock()

		if stillDiffers {
			if err := bridge.FormatAndCommit(ctx, bundle); err == nil {
				sent++
			} else {
				// transient store error (§7): leave queued, retry next tick.
				continue
			}
		}

		ctx.Mu.Lock()
		ctx.DequeuedAtUS = now
		ctx.Mu.Unlock()
		q.dequeue(ctx)
	}
	return sent, carried
}

func (q *Queue) dequeue(ctx *xmeta.Context) {
	q.mu.Lock()
	delete(q.items, ctx.ID)
	q.mu.Unlock()
	ctx.Flags.AndNot(cluster.FlagQueuedForHub)
	ctx.ResetQueueBookkeeping()
}

// GC removes queue entries for contexts the reducer has already marked
// DELETED with no surviving children, mirroring §4.9's per-queue GC pass.
func (q *Queue) GC() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ctx := range q.items {
		if ctx.Flags.Load().IsSet(cluster.FlagDeleted) && ctx.Children.Len() == 0 {
			delete(q.items, id)
		}
	}
}
