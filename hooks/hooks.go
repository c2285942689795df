// Package hooks implements C10: the O(1)/O(children) entry points the
// storage engine calls directly on its hot collection path (spec §4.10),
// plus the claim-ID-gated hub command handlers the cloud
// side drives out of band (SPEC_FULL.md §5.3).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hooks

import (
	"errors"

	"github.com/google/uuid"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/xmeta"
)

// PostProcessQueue is the narrow seam hooks needs into the
// post-processing queue the reducer later drains (kept local so hooks
// does not depend on the reducer/dispatch packages directly).
type PostProcessQueue interface {
	Enqueue(ctx *xmeta.Context, reason cluster.Flags)
}

// Hooks binds one host's container tree to the queue its entry points
// feed. The storage engine calls these inline on its own write path
// (§4.10). DimensionCreated and ChartCreated take the containers' locks
// through Upsert and the context's Mu through Reconcile; ChartFreed
// read-locks the instance's metric container; the remaining hooks use
// atomic flag operations plus the queue's Enqueue.
type Hooks struct {
	host *xmeta.Host
	pp   PostProcessQueue
}

func New(host *xmeta.Host, pp PostProcessQueue) *Hooks {
	return &Hooks{host: host, pp: pp}
}

func (h *Hooks) enqueuePP(ctx *xmeta.Context, reason cluster.Flags) {
	ctx.Flags.OrIn(cluster.FlagQueuedForPP | reason)
	h.pp.Enqueue(ctx, reason)
}

func (h *Hooks) upsertContext(ctxID string, priority uint32, chartType, title, units, family string) *xmeta.Context {
	ctx, existed, _ := h.host.Contexts.Upsert(ctxID, xmeta.NewContextTemplate(ctxID, priority, chartType, title, units, family))
	if !existed {
		h.enqueuePP(ctx, cluster.FlagNewObject)
		return ctx
	}
	if ctx.Reconcile(priority, chartType, title, units, family, ctx.Flags.Load().IsSet(cluster.FlagArchived)) {
		h.enqueuePP(ctx, cluster.FlagUpdatedMetadata)
	}
	return ctx
}

// DimensionCreated is called when the storage engine first observes a new
// metric under instID; it upserts the context and instance (creating them
// on first sight) and the metric itself, marking the metric collecting.
func (h *Hooks) DimensionCreated(ctxID string, ctxPriority uint32, ctxChartType, ctxTitle, ctxUnits, ctxFamily string,
	instID string, instUUID uuid.UUID, instLink xmeta.ChartLink,
	metricID, metricName string, metricUUID uuid.UUID, metricLink xmeta.DimLink) *xmeta.Metric {

	ctx := h.upsertContext(ctxID, ctxPriority, ctxChartType, ctxTitle, ctxUnits, ctxFamily)

	inst, instExisted, _ := ctx.Children.Upsert(instID, xmeta.NewInstanceTemplate(instID, instUUID, instLink, xmeta.NopStats{}))
	if !instExisted {
		inst.Parent = ctx
		h.enqueuePP(ctx, cluster.FlagNewObject)
	} else if inst.Reconcile(instID, instUUID, instLink) {
		h.enqueuePP(ctx, cluster.FlagUpdatedMetadata)
	}

	metricTmpl := xmeta.NewMetricTemplate(metricID, metricName, metricUUID, metricLink)
	metricTmpl.Parent = inst
	m, mExisted, _ := inst.Children.Upsert(metricID, metricTmpl)
	if mExisted {
		m.Link = metricLink
	}
	m.MarkCollected()
	h.enqueuePP(ctx, cluster.FlagStartedCollecting)
	return m
}

// DimensionFreed is called when the storage engine evicts a metric from
// its own live working set (not necessarily deleting its retention); the
// metric archives in place.
func (h *Hooks) DimensionFreed(ctx *xmeta.Context, m *xmeta.Metric) {
	m.MarkFreed()
	h.enqueuePP(ctx, cluster.FlagStoppedCollecting)
}

// DimensionFlagsChanged is called when the link's own HIDDEN bit (or
// other externally-owned label state) changes out from under an already
// collected metric.
func (h *Hooks) DimensionFlagsChanged(ctx *xmeta.Context, m *xmeta.Metric) {
	m.MarkFlagsChanged()
	h.enqueuePP(ctx, cluster.FlagUpdatedMetadata)
}

// DimensionCollected marks a metric as actively collecting without any
// metadata change (the steady-state per-sample hot path).
func (h *Hooks) DimensionCollected(ctx *xmeta.Context, m *xmeta.Metric) {
	if !m.Flags.Load().IsSet(cluster.FlagCollected) {
		m.MarkCollected()
		h.enqueuePP(ctx, cluster.FlagStartedCollecting)
	}
}

// ChartCreated is the instance-level analogue of DimensionCreated, called
// when the storage engine creates a chart with no dimension yet attached.
func (h *Hooks) ChartCreated(ctxID string, ctxPriority uint32, ctxChartType, ctxTitle, ctxUnits, ctxFamily string,
	instID string, instUUID uuid.UUID, instLink xmeta.ChartLink) *xmeta.Instance {

	ctx := h.upsertContext(ctxID, ctxPriority, ctxChartType, ctxTitle, ctxUnits, ctxFamily)
	inst, instExisted, _ := ctx.Children.Upsert(instID, xmeta.NewInstanceTemplate(instID, instUUID, instLink, xmeta.NopStats{}))
	if !instExisted {
		inst.Parent = ctx
		h.enqueuePP(ctx, cluster.FlagNewObject)
	} else if inst.Reconcile(instID, instUUID, instLink) {
		h.enqueuePP(ctx, cluster.FlagUpdatedMetadata)
	}
	return inst
}

// ChartFreed implements §4.3's special context-change transition: when a
// chart is destroyed and recreated under a different context ID (a rename
// the storage engine models as free-then-create rather than an in-place
// rename), the old instance must archive in place while its metrics are
// detached — never deleted outright, since their retention is still live.
// The metric nodes stay under the old instance, marked
// DISCONNECTED_CHILD; they are not moved. The next DimensionCreated or
// ChartCreated call for the new context builds fresh instance and metric
// nodes.
func (h *Hooks) ChartFreed(ctx *xmeta.Context, inst *xmeta.Instance) {
	inst.SetDisconnected()
	inst.Children.WalkRead(func(_ string, m *xmeta.Metric) bool {
		m.Flags.OrIn(cluster.FlagDisconnectedChild | cluster.FlagUpdated)
		return true
	})
	h.enqueuePP(ctx, cluster.FlagDisconnectedChild)
}

// ChartRetentionChanged marks an instance's stored retention view stale so
// the reducer re-queries the storage engine's retention tiers on its next
// pass (§4.10).
func (h *Hooks) ChartRetentionChanged(ctx *xmeta.Context, inst *xmeta.Instance) {
	inst.Flags.OrIn(cluster.FlagUpdateRetention | cluster.FlagUpdated)
	h.enqueuePP(ctx, cluster.FlagUpdateRetention)
}

// ChartFlagsChanged propagates an externally-owned flag change (e.g. a
// hidden chart becoming visible) from the link into the instance.
func (h *Hooks) ChartFlagsChanged(ctx *xmeta.Context, inst *xmeta.Instance) {
	inst.MarkFlagsChanged()
	h.enqueuePP(ctx, cluster.FlagUpdatedMetadata)
}

// ErrClaimMismatch is returned by the claim-ID-gated handlers below when
// a hub command's claim ID does not match the host's current one, meaning
// the command was issued against a stale session (SPEC_FULL.md §5.3).
var ErrClaimMismatch = errors.New("hooks: claim id mismatch")

// HandleCheckpoint services a hub-initiated checkpoint(claim_id, node_id,
// version_hash) command (§4.7): it verifies the claim ID the hub presents
// against the host's current one, then hands the hub's version_hash to
// checkpoint, which compares it against a freshly recomputed hash and
// only pays for a deep retention recompute plus a snapshot bundle when
// the two disagree.
func (h *Hooks) HandleCheckpoint(claimID string, hubHash uint64, checkpoint func(hubHash uint64) error) error {
	if h.host.ClaimID.Load() != claimID {
		return ErrClaimMismatch
	}
	return checkpoint(hubHash)
}

// HandleStopStreaming services a hub-initiated "stop streaming" command:
// gated the same way as HandleCheckpoint, it flips the host's Streaming
// flag off so the worker loop stops draining dispatch queues for it.
func (h *Hooks) HandleStopStreaming(claimID string) error {
	if h.host.ClaimID.Load() != claimID {
		return ErrClaimMismatch
	}
	h.host.Streaming.Store(false)
	return nil
}
