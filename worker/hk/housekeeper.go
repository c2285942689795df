// Package hk is a minimal housekeeping registry in the spirit of the
// teacher's hk.Reg(name, fn, interval): named periodic callbacks that
// return their own next-run interval, driven here by the single
// cooperative heartbeat loop of spec §4.9 rather than by one goroutine
// per registration.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Func is a housekeeping callback. It returns the duration to wait before
// it should run again; returning 0 keeps the previously registered
// interval unchanged.
type Func func() time.Duration

type entry struct {
	name     string
	fn       Func
	interval time.Duration
	nextRun  time.Time
}

// Registry is a single host's set of named periodic jobs, ticked by the
// worker loop's heartbeat rather than scheduled independently — jobs run
// on the worker loop's goroutine, not on goroutines of their own.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// Reg registers fn to run every interval, starting interval from now.
func (r *Registry) Reg(name string, fn Func, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{name: name, fn: fn, interval: interval, nextRun: r.now().Add(interval)}
}

// Unreg removes a previously registered job.
func (r *Registry) Unreg(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Tick runs every due job once. Call it from the worker heartbeat; it
// never blocks longer than the sum of the due callbacks' own runtimes.
func (r *Registry) Tick() {
	now := r.now()
	r.mu.Lock()
	due := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !now.Before(e.nextRun) {
			due = append(due, e)
		}
	}
	r.mu.Unlock()

	for _, e := range due {
		d := e.fn()
		if d <= 0 {
			d = e.interval
		}
		r.mu.Lock()
		if cur, ok := r.entries[e.name]; ok {
			cur.nextRun = now.Add(d)
		}
		r.mu.Unlock()
		glog.V(4).Infof("hk: ran %q, next in %v", e.name, d)
	}
}
