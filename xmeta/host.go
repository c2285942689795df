package xmeta

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/metridex/agent/cluster"
)

// Retention is the inclusive [first, last] UNIX-second range described
// throughout the spec; zero means "unknown" for either bound (§3.1).
type Retention struct {
	FirstTimeS int64
	LastTimeS  int64
}

func (r Retention) Known() bool { return r.FirstTimeS > 0 || r.LastTimeS > 0 }

// Fold implements the retention-fold invariant (§3.6.6):
//
//	parent.first = min(children.first>0); parent.last = max(children.last)
func Fold(into *Retention, child Retention) {
	if child.FirstTimeS > 0 && (into.FirstTimeS == 0 || child.FirstTimeS < into.FirstTimeS) {
		into.FirstTimeS = child.FirstTimeS
	}
	if child.LastTimeS > into.LastTimeS {
		into.LastTimeS = child.LastTimeS
	}
}

// Host is the §3.4 host binding: every context/instance/metric tree is
// rooted at exactly one Host.
type Host struct {
	UUID string
	Name string

	Contexts *Container[string, *Context]

	// PostProcessQ and HubQ are populated by worker.NewHostQueues;
	// declared here as opaque queue handles (an
	// interface narrow enough to avoid an xmeta<->dispatch import cycle,
	// since dispatch.Queue already depends on xmeta.Context).
	PostProcessQ Queue
	HubQ         Queue

	mu        sync.RWMutex
	retention Retention

	// Streaming records whether the hub has asked this host to stream
	// (§3.4); cleared by hooks.HandleStopStreaming.
	Streaming atomic.Bool

	// ClaimID is this agent's cloud claim id, used to validate inbound
	// hub commands (§6, supplemented feature #3 in SPEC_FULL.md §5).
	ClaimID atomic.String

	// NodeID identifies this host to the hub (distinct from UUID, which
	// identifies the time-series data the index is keyed on).
	NodeID string

	// LastHubHash is the version hash most recently supplied by a hub
	// checkpoint command (§4.7); the periodic storage-rotation recompute
	// reuses it as the cross-check baseline (SPEC_FULL.md supplement #5)
	// so that cadence doesn't need its own separate comparison value.
	LastHubHash atomic.Uint64
}

// Queue is the minimal surface reducer/dispatch need from a host-owned
// queue without xmeta importing either package back.
type Queue interface {
	Enqueue(ctx *Context, reason cluster.Flags)
}

func NewHost(uuid, name string, stats Stats) *Host {
	contexts := NewContainer[string, *Context](stats)
	contexts.kind = "context"
	return &Host{
		UUID:     uuid,
		Name:     name,
		Contexts: contexts,
	}
}

func (h *Host) Retention() Retention {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.retention
}

func (h *Host) SetRetention(r Retention) {
	h.mu.Lock()
	h.retention = r
	h.mu.Unlock()
}

// Hosts is the registry of all hosts this agent maintains an index for: the
// local host plus any children replicating metadata up (§1, "replication
// from children"). Keyed and guarded the way the teacher's NodeMap/Smap
// pairs a map with single-writer/many-reader access (cluster/map.go).
type Hosts struct {
	mu sync.RWMutex
	m  map[string]*Host
}

func NewHosts() *Hosts { return &Hosts{m: make(map[string]*Host)} }

func (h *Hosts) Get(uuid string) *Host {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m[uuid]
}

func (h *Hosts) Add(host *Host) {
	h.mu.Lock()
	h.m[host.UUID] = host
	h.mu.Unlock()
}

func (h *Hosts) Remove(uuid string) {
	h.mu.Lock()
	delete(h.m, uuid)
	h.mu.Unlock()
}

// Walk invokes fn for every host under a shared read lock (query scope
// evaluator's foreach_host, §4.8).
func (h *Hosts) Walk(fn func(*Host) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, host := range h.m {
		if !fn(host) {
			return
		}
	}
}

func (h *Hosts) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.m)
}
