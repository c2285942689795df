package xmeta

import (
	"github.com/google/uuid"

	"github.com/metridex/agent/cluster"
)

// Metric is the C2 leaf node: one collected dimension of one Instance
// (§3.1).
type Metric struct {
	UUID   uuid.UUID
	ID     string
	Name   string
	Parent *Instance // owning instance; non-owning per §9's weak-back-reference note

	Retention Retention
	Flags     cluster.AtomicFlags

	// Link is nil once the storage engine frees the dimension (§3.1).
	Link DimLink
}

// NewMetricTemplate builds the template handed to Container.Upsert by
// hooks.DimensionCreated; the caller sets Parent on the template before
// the upsert.
func NewMetricTemplate(id, name string, u uuid.UUID, link DimLink) *Metric {
	if name == "" {
		name = id
	}
	m := &Metric{UUID: u, ID: id, Name: name, Link: link}
	m.Flags.OrIn(cluster.FlagNewObject | cluster.FlagUpdated)
	return m
}

// MarkFreed implements §4.2: the storage engine released the dimension.
// Clears the link; if the metric was COLLECTED it transitions to ARCHIVED
// with STOPPED_BEING_COLLECTED.
func (m *Metric) MarkFreed() {
	wasCollected := m.Flags.Load().IsSet(cluster.FlagCollected)
	m.Link = nil
	if wasCollected {
		m.Flags.SetArchived(cluster.FlagStoppedCollecting)
	}
}

// MarkCollected sets COLLECTED (clearing ARCHIVED/DELETED atomically) —
// called by hooks.DimensionCollected.
func (m *Metric) MarkCollected() {
	m.Flags.SetCollected()
	m.Flags.OrIn(cluster.FlagStartedCollecting | cluster.FlagUpdated)
}

// MarkFlagsChanged folds the link's HIDDEN bit into the metric (§4.2).
func (m *Metric) MarkFlagsChanged() {
	if m.Link == nil {
		return
	}
	if m.Link.Hidden() {
		m.Flags.OrIn(cluster.FlagHidden | cluster.FlagUpdated)
	} else {
		m.Flags.AndNot(cluster.FlagHidden)
	}
}

// RefreshRetention queries every configured tier for (first,last) by UUID,
// updates the fields, emits CHANGED_FIRST_TIME_T/CHANGED_LAST_TIME_T only on
// actual change, and sets LIVE_RETENTION. It returns true iff any tier
// answered (§4.2).
func (m *Metric) RefreshRetention(tiers []RetentionTier) (answered bool) {
	var first, last int64
	u := [16]byte(m.UUID)
	for _, tier := range tiers {
		if t, ok := tier.OldestTime(u); ok {
			answered = true
			if t > 0 && (first == 0 || t < first) {
				first = t
			}
		}
		if t, ok := tier.LatestTime(u); ok {
			answered = true
			if t > last {
				last = t
			}
		}
	}
	if first != m.Retention.FirstTimeS {
		m.Retention.FirstTimeS = first
		m.Flags.OrIn(cluster.FlagChangedFirstTime | cluster.FlagUpdated)
	}
	if last != m.Retention.LastTimeS {
		m.Retention.LastTimeS = last
		m.Flags.OrIn(cluster.FlagChangedLastTime | cluster.FlagUpdated)
	}
	m.Flags.OrIn(cluster.FlagLiveRetention)
	return answered
}

// EligibleForDeletion implements §4.2's "metric deletion predicate" as the
// reducer's per-tick check (§4.5 step 1a): retention has been reconciled at
// least once, the metric is not currently collected, it has no live link,
// and it carries no retention.
func (m *Metric) EligibleForDeletion() bool {
	f := m.Flags.Load()
	return f.IsSet(cluster.FlagLiveRetention) &&
		!f.IsSet(cluster.FlagCollected) &&
		m.Link == nil &&
		!m.Retention.Known()
}

// ReconcileDisconnectedParent implements the C2 edge case: a metric marked
// COLLECTED whose parent instance carries DISCONNECTED_CHILD must fall back
// to ARCHIVED (§4.2).
func (m *Metric) ReconcileDisconnectedParent() {
	if m.Parent == nil {
		return
	}
	if m.Parent.Flags.Load().IsSet(cluster.FlagDisconnectedChild) && m.Flags.Load().IsSet(cluster.FlagCollected) {
		m.Flags.SetArchived(cluster.FlagDisconnectedChild)
	}
}
