package query

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/metridex/agent/xmeta"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ContextSummary is the JSON shape returned for one matched context,
// grounded on the read API's per-context response object (supplemented
// feature, originally a flat struct serialized ad hoc).
type ContextSummary struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Units      string            `json:"units"`
	Family     string            `json:"family"`
	ChartType  string            `json:"chart_type"`
	Priority   uint32            `json:"priority"`
	FirstTimeS int64             `json:"first_entry"`
	LastTimeS  int64             `json:"last_entry"`
	Instances  []InstanceSummary `json:"instances,omitempty"`
}

type InstanceSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Units      string   `json:"units"`
	ChartType  string   `json:"chart_type"`
	Priority   uint32   `json:"priority"`
	FirstTimeS int64    `json:"first_entry"`
	LastTimeS  int64    `json:"last_entry"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// ContextsRequest mirrors the read API's request envelope: a scope glob,
// an optional instance filter, a per-query timeout, and whether to nest
// matched instances under each context in the response.
type ContextsRequest struct {
	ContextScope    string        `json:"contexts,omitempty"`
	InstanceFilter  string        `json:"instances,omitempty"`
	Timeout         time.Duration `json:"-"`
	IncludeInstance bool          `json:"-"`
}

// Contexts runs a ContextsRequest against host and returns the matched
// contexts as JSON-ready summaries, grouping instances under their parent
// context when requested. This is the supplemented read surface from
// SPEC_FULL.md §5.1: a JSON query API layered over the C8 scope walk.
func Contexts(host *xmeta.Host, req ContextsRequest) ([]ContextSummary, Result) {
	scope := Compile(req.ContextScope, req.InstanceFilter)
	byCtx := make(map[string]*ContextSummary)
	var order []string

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	res := WalkWithDeadline(host, scope, timeout, func(_ *xmeta.Host, c *xmeta.Context, inst *xmeta.Instance) Outcome {
		summary, ok := byCtx[c.ID]
		if !ok {
			summary = &ContextSummary{
				ID: c.ID, Title: c.Title, Units: c.Units, Family: c.Family,
				ChartType: c.ChartType, Priority: c.Priority,
				FirstTimeS: c.Retention.FirstTimeS, LastTimeS: c.Retention.LastTimeS,
			}
			byCtx[c.ID] = summary
			order = append(order, c.ID)
		}
		if req.IncludeInstance {
			dims := make([]string, 0, inst.Children.Len())
			inst.Children.WalkRead(func(_ string, m *xmeta.Metric) bool {
				dims = append(dims, m.Name)
				return true
			})
			summary.Instances = append(summary.Instances, InstanceSummary{
				ID: inst.ID, Name: inst.Name, Title: inst.Title, Units: inst.Units,
				ChartType: inst.ChartType, Priority: inst.Priority,
				FirstTimeS: inst.Retention.FirstTimeS, LastTimeS: inst.Retention.LastTimeS,
				Dimensions: dims,
			})
		}
		return Continue
	})

	out := make([]ContextSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byCtx[id])
	}
	return out, res
}

// MarshalContexts is a thin convenience wrapper the HTTP handler in
// cmd/rrdcontextd uses to serialize a Contexts result.
func MarshalContexts(summaries []ContextSummary) ([]byte, error) {
	return json.Marshal(summaries)
}
