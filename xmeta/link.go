package xmeta

// DimLink is the live collection object a Metric borrows from while it is
// being collected (§3.1's "link"). The storage engine is an external
// collaborator (spec §6); this interface is the narrow slice of it the
// index needs, implemented by whatever the storage engine's own dimension
// type is.
type DimLink interface {
	UUID() [16]byte
	Hidden() bool
}

// ChartLink is the live collection object an Instance borrows from
// (§3.2's "link"): labels, cadence, descriptive fields, and the
// authoritative source for update_every_s/priority once attached (§4.3).
type ChartLink interface {
	UUID() [16]byte
	Title() string
	Units() string
	Family() string
	Priority() uint32
	ChartType() string
	UpdateEvery() int
	Hidden() bool
	Labels() map[string]string
	ContextID() string
}

// RetentionTier is one retention-tier source the storage engine exposes;
// metric.RefreshRetention queries every configured tier (§4.2, §6:
// metric_get/oldest_time/latest_time/metric_release).
type RetentionTier interface {
	OldestTime(uuid [16]byte) (t int64, ok bool)
	LatestTime(uuid [16]byte) (t int64, ok bool)
}
