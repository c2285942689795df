// Package hub declares the interfaces the index consumes from the cloud
// transport (spec §6): an opaque Bundle that messages are appended to, and
// a Transport the drain pass hands finished bundles to. Both the wire
// protocol and the transport implementation are out of scope (spec §1);
// this package exists only so xmeta/dispatch/persist/hooks can share one
// stable seam.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hub

import "github.com/golang/glog"

// Message is one context's hub-visible state as of a dispatch.
type Message struct {
	ContextID  string
	Version    int64
	Title      string
	Units      string
	Family     string
	ChartType  string
	Priority   uint32
	FirstTimeS int64
	LastTimeS  int64
	Deleted    bool
}

// Bundle is the opaque per-drain-pass container the bridge appends
// messages to; formatting/framing for the wire is external (spec §6).
type Bundle interface {
	Append(Message)
	Len() int
}

// Transport is the hub connection the worker loop drains to (spec §6).
type Transport interface {
	ClaimID() (string, bool)
	IsConnected() bool
	SendUpdates(Bundle) error
	// SendSnapshot ships a §4.7 checkpoint-mismatch snapshot; hash is the
	// agent's recomputed version-hash identity, which travels alongside
	// the bundle so the hub can confirm the two sides now agree.
	SendSnapshot(bundle Bundle, hash uint64) error
}

// SliceBundle is a trivial in-memory Bundle, used by tests and by the
// reference cmd/rrdcontextd wiring.
type SliceBundle struct {
	Messages []Message
}

func (b *SliceBundle) Append(m Message) { b.Messages = append(b.Messages, m) }
func (b *SliceBundle) Len() int         { return len(b.Messages) }

// LogTransport is the reference daemon's stand-in Transport: the real ACLK
// wire link is an out-of-scope external collaborator (spec §1), so this
// just logs what would have gone over the wire. claimID/connected are
// exported so a caller wiring an actual link later can swap them for live
// state without touching the worker loop's Transport usage.
type LogTransport struct {
	ClaimIDStr string
	Connected  bool
}

func (t *LogTransport) ClaimID() (string, bool) { return t.ClaimIDStr, t.ClaimIDStr != "" }
func (t *LogTransport) IsConnected() bool       { return t.Connected }
func (t *LogTransport) SendUpdates(b Bundle) error {
	glog.V(2).Infof("hub: send_updates bundle of %d messages", b.Len())
	return nil
}
func (t *LogTransport) SendSnapshot(b Bundle, hash uint64) error {
	glog.Infof("hub: send_snapshot bundle of %d messages, hash=%#x", b.Len(), hash)
	return nil
}
