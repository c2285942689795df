// Package query implements C8, the read-side scope evaluator: compiled
// glob scope/filter patterns walked read-locked over the context tree,
// with abort/timeout/count signalling back to the caller (spec §4.8).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package query

import (
	"context"
	"time"

	"github.com/tidwall/match"

	"github.com/metridex/agent/xmeta"
)

// Outcome is returned by a Visit callback to tell the walker whether to
// keep going, per §4.8's abort/timeout/count walk contract.
type Outcome int

const (
	Continue Outcome = iota
	Abort
)

// Visit is called once per instance the scope selects, together with its
// context.
type Visit func(host *xmeta.Host, ctx *xmeta.Context, inst *xmeta.Instance) Outcome

// Scope is a compiled glob scope/filter pair: scope selects which
// contexts are visited at all, filter (if non-empty) further restricts to
// matching instances (§4.8).
type Scope struct {
	contextPattern  string
	instancePattern string
}

// Compile builds a Scope from the two glob patterns, treating an empty
// pattern as "*". The patterns are not validated.
func Compile(contextPattern, instancePattern string) Scope {
	if contextPattern == "" {
		contextPattern = "*"
	}
	if instancePattern == "" {
		instancePattern = "*"
	}
	return Scope{contextPattern: contextPattern, instancePattern: instancePattern}
}

func (s Scope) matchesContext(id string) bool  { return match.Match(id, s.contextPattern) }
func (s Scope) matchesInstance(id string) bool { return match.Match(id, s.instancePattern) }

// Result carries the walk's termination reason and how many nodes it
// actually visited, per §4.8's count/timeout reporting.
type Result struct {
	Visited  int
	TimedOut bool
	Aborted  bool
}

// Walk runs visit over every instance selected by scope under host,
// read-locking each container level in turn (§4.8: "a read-locked tree
// walk"). It honors ctx cancellation/deadline as the timeout signal and a
// Visit return of Abort as the early-exit signal.
func Walk(goCtx context.Context, host *xmeta.Host, scope Scope, visit Visit) Result {
	var res Result
	host.Contexts.WalkRead(func(_ string, c *xmeta.Context) bool {
		if goCtx.Err() != nil {
			res.TimedOut = true
			return false
		}
		if !scope.matchesContext(c.ID) {
			return true
		}
		keepGoing := true
		c.Children.WalkRead(func(_ string, inst *xmeta.Instance) bool {
			if goCtx.Err() != nil {
				res.TimedOut = true
				return false
			}
			if !scope.matchesInstance(inst.ID) {
				return true
			}
			res.Visited++
			if visit(host, c, inst) == Abort {
				res.Aborted = true
				keepGoing = false
				return false
			}
			return true
		})
		return keepGoing && goCtx.Err() == nil
	})
	return res
}

// WalkWithDeadline is the common entry point used by the read API: it
// derives a bounded context from timeout and delegates to Walk.
func WalkWithDeadline(host *xmeta.Host, scope Scope, timeout time.Duration, visit Visit) Result {
	goCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Walk(goCtx, host, scope, visit)
}
