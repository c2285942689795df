package xmeta

import (
	"sync"

	"github.com/metridex/agent/cluster"
)

// Context is the C4 node: the unit of external communication, grouping
// instances that share a semantic identity (§3.3).
type Context struct {
	ID       string
	Priority uint32
	ChartType,
	Title, Units, Family string

	// Version is the monotonic counter of §3.3/invariant P3; it is only
	// ever mutated under Mu, by the dispatcher on a successful send
	// (persist.Bridge.FormatAndCommit bumps it).
	Version int64

	Retention Retention
	Children  *Container[string, *Instance]
	Parent    *Host
	Flags     cluster.AtomicFlags

	// Mu is the §3.3 serialization lock: it covers metadata mutation and
	// queue bookkeeping below. No other node type carries a lock (§4.4).
	Mu sync.Mutex

	QueuedAtUS             int64
	ScheduledDispatchAtUS  int64
	DequeuedAtUS           int64
	QueuedReasons          map[cluster.Flags]struct{}
}

func NewContextTemplate(id string, priority uint32, chartType, title, units, family string) *Context {
	ctx := &Context{
		ID: id, Priority: priority, ChartType: chartType,
		Title: title, Units: units, Family: family,
		Children: NewContainer[string, *Instance](NopStats{}),
	}
	ctx.Flags.OrIn(cluster.FlagNewObject | cluster.FlagUpdated)
	return ctx
}

// Reconcile implements §4.4's conflict merge: title/family are two-way
// merged across collectors that may disagree slightly; units/chart-type/
// priority take the most recent non-archived value.
func (c *Context) Reconcile(tmplPriority uint32, tmplChartType, tmplTitle, tmplUnits, tmplFamily string, tmplArchived bool) (changed bool) {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	if merged := MergeStrings(c.Title, tmplTitle); merged != c.Title {
		c.Title = merged
		changed = true
	}
	if merged := MergeStrings(c.Family, tmplFamily); merged != c.Family {
		c.Family = merged
		changed = true
	}
	if !tmplArchived {
		if tmplUnits != "" && tmplUnits != c.Units {
			c.Units, changed = tmplUnits, true
		}
		if tmplChartType != "" && tmplChartType != c.ChartType {
			c.ChartType, changed = tmplChartType, true
		}
		if tmplPriority != 0 && tmplPriority != c.Priority {
			c.Priority, changed = tmplPriority, true
		}
	}
	if changed {
		c.Flags.OrIn(cluster.FlagUpdatedMetadata | cluster.FlagUpdated)
	}
	return changed
}

// MergeStrings implements the two-way merge of §4.4: longest common
// prefix, then the literal "[x]", then longest common suffix. Identical
// inputs are returned unchanged; an empty incoming value is a no-op.
func MergeStrings(a, b string) string {
	if b == "" || a == b {
		return a
	}
	if a == "" {
		return b
	}
	prefixLen := commonPrefixLen(a, b)
	// The suffix scan runs from the true ends of a and b, unbounded by how
	// far the prefix scan reached (matching string_2way_merge's backward
	// scan from string2str(a)[alen-1]/string2str(b)[blen-1]) — not over the
	// prefix-trimmed remainders, which would under-count whenever the
	// prefix match eats into what would otherwise be a longer common tail.
	suffixLen := commonSuffixLen(a, b)
	prefix := a[:prefixLen]
	aSuffix := a[len(a)-suffixLen:]
	if suffixLen == 0 {
		aSuffix = ""
	}
	return prefix + "[x]" + aSuffix
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// EnqueuedReasons returns the accumulated dirty-reason set observed while
// queued, as a slice (for Config.DelayFor).
func (c *Context) EnqueuedReasons() []cluster.Flags {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	out := make([]cluster.Flags, 0, len(c.QueuedReasons))
	for r := range c.QueuedReasons {
		out = append(out, r)
	}
	return out
}

// MergeQueuedReason OR-merges a newly observed reason into the queued set
// without resetting QueuedAtUS — invariant §3.6.5 (queue idempotence).
func (c *Context) MergeQueuedReason(reason cluster.Flags) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.QueuedReasons == nil {
		c.QueuedReasons = make(map[cluster.Flags]struct{})
	}
	c.QueuedReasons[reason] = struct{}{}
}

func (c *Context) ResetQueueBookkeeping() {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.QueuedAtUS, c.ScheduledDispatchAtUS, c.DequeuedAtUS = 0, 0, 0
	c.QueuedReasons = nil
}

// EligibleForDeletion: no surviving instance, no retention.
func (c *Context) EligibleForDeletion() bool {
	f := c.Flags.Load()
	return !f.IsSet(cluster.FlagCollected) && !c.Retention.Known() && c.Children.Len() == 0
}
