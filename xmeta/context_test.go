package xmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metridex/agent/cluster"
)

func TestMergeStrings(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"", "foo", "foo"},
		{"foo", "", "foo"},
		{"foo", "foo", "foo"},
		{"disk usage (sda)", "disk usage (sdb)", "disk usage (sd[x])"},
		{"cpu0.usage", "cpu1.usage", "cpu[x].usage"},
		// Prefix/suffix-overlap case: the suffix scan must run from the
		// true end of each string, not from just past the matched prefix,
		// matching string_2way_merge's unbounded backward scan.
		{"ab", "abbbb", "ab[x]b"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MergeStrings(c.a, c.b), "merge(%q, %q)", c.a, c.b)
	}
}

func TestContextReconcileMergesTitleAndTakesLatestUnits(t *testing.T) {
	ctx := NewContextTemplate("ctx.disk.io", 50, "line", "disk usage (sda)", "KB", "disk")

	changed := ctx.Reconcile(60, "area", "disk usage (sdb)", "MB", "disk", false)
	assert.True(t, changed)
	assert.Equal(t, "disk usage (sd[x])", ctx.Title)
	assert.Equal(t, "MB", ctx.Units)
	assert.Equal(t, "area", ctx.ChartType)
	assert.Equal(t, uint32(60), ctx.Priority)
	assert.True(t, ctx.Flags.Load().IsSet(cluster.FlagUpdatedMetadata))
}

func TestContextReconcileIgnoresMetadataWhenArchived(t *testing.T) {
	ctx := NewContextTemplate("ctx.disk.io", 50, "line", "disk usage", "KB", "disk")
	changed := ctx.Reconcile(60, "area", "disk usage", "MB", "disk", true)
	assert.False(t, changed)
	assert.Equal(t, "KB", ctx.Units)
	assert.Equal(t, "line", ctx.ChartType)
	assert.Equal(t, uint32(50), ctx.Priority)
}

func TestContextMergeQueuedReasonIsIdempotentOnQueuedAt(t *testing.T) {
	ctx := NewContextTemplate("ctx.x", 10, "line", "t", "u", "f")
	ctx.QueuedAtUS = 1000
	ctx.MergeQueuedReason(cluster.FlagNewObject)
	ctx.MergeQueuedReason(cluster.FlagUpdatedMetadata)

	assert.Equal(t, int64(1000), ctx.QueuedAtUS, "merging reasons must not reset queued_at")
	reasons := ctx.EnqueuedReasons()
	assert.Len(t, reasons, 2)
}

func TestContextEligibleForDeletion(t *testing.T) {
	ctx := NewContextTemplate("ctx.x", 10, "line", "t", "u", "f")
	assert.True(t, ctx.EligibleForDeletion(), "no children, no retention, not collected: eligible")

	ctx.Flags.SetCollected()
	assert.False(t, ctx.EligibleForDeletion(), "currently collected: not eligible")
}
