package xmeta

import (
	"github.com/google/uuid"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/cmn/debug"
)

// Instance is the C3 node: one physical chart on one host, grouping the
// metrics that belong to it (§3.2).
type Instance struct {
	UUID   uuid.UUID
	ID     string
	Name   string
	Parent *Context // owning context; non-owning per §9

	Title, Units, Family string
	Priority             uint32
	ChartType            string
	UpdateEveryS         int

	Labels map[string]string

	Retention Retention
	Children  *Container[string, *Metric]
	Flags     cluster.AtomicFlags

	Link ChartLink
}

func NewInstanceTemplate(id string, u uuid.UUID, link ChartLink, stats Stats) *Instance {
	inst := &Instance{
		UUID:     u,
		ID:       id,
		Name:     id,
		Children: NewContainer[string, *Metric](stats),
		Link:     link,
	}
	if link != nil {
		inst.Title, inst.Units, inst.Family = link.Title(), link.Units(), link.Family()
		inst.Priority = link.Priority()
		inst.ChartType = link.ChartType()
		inst.UpdateEveryS = link.UpdateEvery()
		inst.Labels = link.Labels() // borrowed — OWN_LABELS stays clear (invariant §3.6.2)
	}
	inst.Flags.OrIn(cluster.FlagNewObject | cluster.FlagUpdated)
	return inst
}

// Reconcile implements §4.3's conflict callback: preserve the textual id
// (fatal if it changed — a caller bug, not an environmental error, per
// §7), adopt a changed UUID, swap the link (moving labels to an owned copy
// or back to borrowed per invariant §3.6.2), and fold HIDDEN.
func (inst *Instance) Reconcile(tmplID string, tmplUUID uuid.UUID, link ChartLink) (changed bool) {
	debug.AssertMsg(inst.ID == tmplID, "instance id changed under conflict: "+inst.ID+" -> "+tmplID)

	if inst.UUID != tmplUUID {
		inst.UUID = tmplUUID
		inst.Flags.OrIn(cluster.FlagUpdatedMetadata | cluster.FlagUpdated)
		changed = true
	}

	hadLink := inst.Link != nil
	hasLink := link != nil
	inst.Link = link
	switch {
	case hadLink && !hasLink:
		// link severed: deep-copy labels, become the owner (§3.6.2).
		owned := make(map[string]string, len(inst.Labels))
		for k, v := range inst.Labels {
			owned[k] = v
		}
		inst.Labels = owned
		inst.Flags.OrIn(cluster.FlagOwnLabels | cluster.FlagChangedLinking | cluster.FlagUpdated)
		changed = true
	case !hadLink && hasLink:
		// link (re)established: drop the owned copy, borrow again.
		inst.Labels = link.Labels()
		inst.Flags.AndNot(cluster.FlagOwnLabels)
		inst.Flags.OrIn(cluster.FlagChangedLinking | cluster.FlagUpdated)
		changed = true
	}

	if hasLink {
		if link.Hidden() {
			if !inst.Flags.Load().IsSet(cluster.FlagHidden) {
				changed = true
			}
			inst.Flags.OrIn(cluster.FlagHidden)
		} else {
			inst.Flags.AndNot(cluster.FlagHidden)
		}
	}
	return changed
}

// React implements §4.3's react callback: derive update_every_s/priority
// from the now-authoritative link, emit CHANGED_METADATA on divergence,
// and signal the owning context to (re-)queue for post-processing. The
// actual enqueue is performed by the caller (hooks/reducer own the queue
// handle); React only updates fields and returns whether anything changed
// that the context must know about.
func (inst *Instance) React() (changed bool) {
	if inst.Link == nil {
		return false
	}
	if ue := inst.Link.UpdateEvery(); ue != inst.UpdateEveryS {
		inst.UpdateEveryS = ue
		changed = true
	}
	if p := inst.Link.Priority(); p != inst.Priority {
		inst.Priority = p
		changed = true
	}
	if changed {
		inst.Flags.OrIn(cluster.FlagUpdatedMetadata | cluster.FlagUpdated)
	}
	return changed
}

// EligibleForDeletion mirrors the metric predicate at the instance level:
// no surviving metric, no retention, not currently collected.
func (inst *Instance) EligibleForDeletion() bool {
	f := inst.Flags.Load()
	return !f.IsSet(cluster.FlagCollected) && !inst.Retention.Known() && inst.Children.Len() == 0
}

// SetDisconnected marks DISCONNECTED_CHILD, which in turn causes every
// currently-COLLECTED metric under this instance to fall back to ARCHIVED
// on the next reducer pass (§4.2).
func (inst *Instance) SetDisconnected() {
	inst.Flags.OrIn(cluster.FlagDisconnectedChild | cluster.FlagUpdated)
}
