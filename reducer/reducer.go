// Package reducer implements C5, the retention/state reducer: the
// post-processing pass that folds child state upward, detects
// hub-visible transitions, and enqueues outgoing notifications (spec §4.5).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package reducer

import (
	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/cmn"
	"github.com/metridex/agent/xmeta"
)

// RetentionSource supplies the tiered storage-engine lookups Metric.
// RefreshRetention needs; threaded through so the reducer stays free of any
// direct storage-engine dependency (§6 lists it as an external collaborator).
type RetentionSource interface {
	Tiers() []xmeta.RetentionTier
}

// Visibility is implemented by persist.Bridge: whether a context differs
// from its last-sent shadow (§4.7's hub-visibility predicate). The reducer
// calls it only to decide whether to enqueue for dispatch, never to mutate
// the shadow itself.
type Visibility interface {
	Differs(ctx *xmeta.Context) bool
}

// HubQueue is dispatch.Queue, narrowed to the one method the reducer needs.
type HubQueue interface {
	Enqueue(ctx *xmeta.Context, reason cluster.Flags)
}

type Reducer struct {
	cfg  *cmn.Config
	ret  RetentionSource
	vis  Visibility
	hubQ HubQueue
}

func New(cfg *cmn.Config, ret RetentionSource, vis Visibility, hubQ HubQueue) *Reducer {
	return &Reducer{cfg: cfg, ret: ret, vis: vis, hubQ: hubQ}
}

// Reduce runs the §4.5 procedure for one context popped off the
// post-processing queue. It is idempotent: running it twice over unchanged
// state performs no second enqueue, because step 3 only enqueues when the
// fold actually produced hub-visible change.
func (r *Reducer) Reduce(ctx *xmeta.Context) {
	var anyCollectedInstance, anyArchivedInstance bool
	var minCollectedPriority, minArchivedPriority uint32
	haveMinCollected, haveMinArchived := false, false
	var hidden = true
	var liveRetention = true
	fold := xmeta.Retention{}

	ctx.Children.WalkWrite(func(_ string, inst *xmeta.Instance) (del bool) {
		r.reduceInstance(inst)

		if inst.EligibleForDeletion() {
			// Mark only; physical removal is a budgeted pass the worker
			// owns (worker.gcPass), so one GC cap (§4.9) bounds rows freed
			// across all three tree levels, not just contexts.
			inst.Flags.SetDeleted(cluster.FlagZeroRetention)
			return false
		}

		xmeta.Fold(&fold, inst.Retention)
		if !inst.Flags.Load().IsSet(cluster.FlagHidden) {
			hidden = false
		}
		if !inst.Flags.Load().IsSet(cluster.FlagLiveRetention) {
			liveRetention = false
		}
		if inst.Flags.Load().IsSet(cluster.FlagCollected) {
			anyCollectedInstance = true
			if !haveMinCollected || inst.Priority < minCollectedPriority {
				minCollectedPriority, haveMinCollected = inst.Priority, true
			}
		} else if inst.Flags.Load().IsSet(cluster.FlagArchived) {
			anyArchivedInstance = true
			if !haveMinArchived || inst.Priority < minArchivedPriority {
				minArchivedPriority, haveMinArchived = inst.Priority, true
			}
		}
		return false
	})

	// §4.5 step 2: fold survivors into the context.
	ctx.Mu.Lock()
	priorityBefore, firstBefore, lastBefore := ctx.Priority, ctx.Retention.FirstTimeS, ctx.Retention.LastTimeS
	hiddenBefore := ctx.Flags.Load().IsSet(cluster.FlagHidden)
	ctx.Retention = fold
	switch {
	case haveMinCollected:
		ctx.Priority = minCollectedPriority
	case haveMinArchived:
		ctx.Priority = minArchivedPriority
	}
	if ctx.Priority < r.cfg.PriorityFloor {
		ctx.Priority = r.cfg.PriorityFloor
	}
	ctx.Mu.Unlock()

	if hidden {
		ctx.Flags.OrIn(cluster.FlagHidden)
	} else {
		ctx.Flags.AndNot(cluster.FlagHidden)
	}
	if liveRetention {
		ctx.Flags.OrIn(cluster.FlagLiveRetention)
	}
	if anyCollectedInstance {
		ctx.Flags.SetCollected()
	} else if anyArchivedInstance {
		ctx.Flags.SetArchived(0)
	}

	if ctx.Retention.FirstTimeS != firstBefore {
		ctx.Flags.OrIn(cluster.FlagChangedFirstTime)
	}
	if ctx.Retention.LastTimeS != lastBefore {
		ctx.Flags.OrIn(cluster.FlagChangedLastTime)
	}

	if ctx.EligibleForDeletion() {
		ctx.Flags.SetDeleted(cluster.FlagZeroRetention)
	}

	// §4.5 step 3: enqueue for dispatch only if hub-visible state changed.
	visibleChange := ctx.Priority != priorityBefore ||
		ctx.Retention.FirstTimeS != firstBefore ||
		ctx.Retention.LastTimeS != lastBefore ||
		hiddenBefore != ctx.Flags.Load().IsSet(cluster.FlagHidden) ||
		ctx.Flags.Load().IsSet(cluster.FlagUpdatedMetadata) ||
		ctx.Flags.Load().IsSet(cluster.FlagDeleted)

	if visibleChange && (r.vis == nil || r.vis.Differs(ctx)) {
		r.hubQ.Enqueue(ctx, ctx.Flags.Load().Dirty())
	}
	ctx.Flags.AndNot(cluster.FlagUpdated | cluster.DirtyMask())
	ctx.Flags.AndNot(cluster.FlagQueuedForPP)
}

// reduceInstance implements §4.5 step 1: refresh stale/dirty metrics,
// evaluate each metric's deletion predicate, then fold survivors into the
// instance. The instance's own deletion predicate is evaluated by Reduce.
func (r *Reducer) reduceInstance(inst *xmeta.Instance) {
	if inst.React() && inst.Parent != nil {
		r.hubQ.Enqueue(inst.Parent, cluster.FlagUpdatedMetadata)
	}

	fold := xmeta.Retention{}
	anyCollected := false
	allLiveRetention := true
	hidden := true

	inst.Children.WalkWrite(func(_ string, m *xmeta.Metric) (del bool) {
		f := m.Flags.Load()
		needsRefresh := f.IsAnySet(cluster.DirtyMask()) || !f.IsSet(cluster.FlagLiveRetention) || f.IsSet(cluster.FlagUpdateRetention)
		if needsRefresh && r.ret != nil {
			m.RefreshRetention(r.ret.Tiers())
		}
		m.ReconcileDisconnectedParent()

		if m.EligibleForDeletion() {
			// Mark only; see the matching note in Reduce above — the
			// worker's capped gcPass does the actual removal.
			m.Flags.SetDeleted(cluster.FlagZeroRetention)
			return false
		}

		xmeta.Fold(&fold, m.Retention)
		if !m.Flags.Load().IsSet(cluster.FlagHidden) {
			hidden = false
		}
		if !m.Flags.Load().IsSet(cluster.FlagLiveRetention) {
			allLiveRetention = false
		}
		if m.Flags.Load().IsSet(cluster.FlagCollected) {
			anyCollected = true
		}
		return false
	})

	firstBefore, lastBefore := inst.Retention.FirstTimeS, inst.Retention.LastTimeS
	inst.Retention = fold
	if inst.Retention.FirstTimeS != firstBefore {
		inst.Flags.OrIn(cluster.FlagChangedFirstTime | cluster.FlagUpdated)
	}
	if inst.Retention.LastTimeS != lastBefore {
		inst.Flags.OrIn(cluster.FlagChangedLastTime | cluster.FlagUpdated)
	}
	if hidden {
		inst.Flags.OrIn(cluster.FlagHidden)
	} else {
		inst.Flags.AndNot(cluster.FlagHidden)
	}
	if allLiveRetention {
		inst.Flags.OrIn(cluster.FlagLiveRetention)
	}
	if anyCollected {
		inst.Flags.SetCollected()
	} else if inst.Flags.Load().IsSet(cluster.FlagCollected) {
		inst.Flags.SetArchived(0)
	}
}
