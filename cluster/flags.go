// Package cluster provides the per-node flag word and the host-level
// binding (§3.4) that every context/instance/metric node hangs off of.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import "go.uber.org/atomic"

// Flags is the packed, atomically-updated bitfield described in spec §3.5.
// It mirrors the teacher's SnodeFlags (cluster/map.go): a plain uint64 with
// Set/Clear/IsSet/IsAnySet helpers, except here the word is three distinct
// groups (state, queueing, dirty) rather than one flat enum.
type Flags uint64

// State group — mutually exclusive except DELETED is terminal and HIDDEN is
// orthogonal (invariant P4/§3.6.3).
const (
	FlagDeleted Flags = 1 << iota
	FlagCollected
	FlagArchived
	FlagHidden
	FlagLiveRetention
	FlagOwnLabels

	// Queueing group — idempotent membership markers (§3.6.5).
	FlagQueuedForPP
	FlagQueuedForHub

	// Dirty group — one bit per reason, plus the umbrella UPDATED bit.
	FlagUpdated
	FlagNewObject
	FlagUpdatedMetadata
	FlagChangedLinking
	FlagChangedFirstTime
	FlagChangedLastTime
	FlagStartedCollecting
	FlagStoppedCollecting
	FlagDisconnectedChild
	FlagStorageRotation
	FlagLoadFromStore
	FlagTriggeredByChild
	FlagZeroRetention
	FlagUpdateRetention
)

const (
	stateMask     = FlagDeleted | FlagCollected | FlagArchived | FlagHidden | FlagLiveRetention | FlagOwnLabels
	queueMask     = FlagQueuedForPP | FlagQueuedForHub
	dirtyMask     = FlagUpdated | FlagNewObject | FlagUpdatedMetadata | FlagChangedLinking |
		FlagChangedFirstTime | FlagChangedLastTime | FlagStartedCollecting | FlagStoppedCollecting |
		FlagDisconnectedChild | FlagStorageRotation | FlagLoadFromStore | FlagTriggeredByChild |
		FlagZeroRetention | FlagUpdateRetention
	exclusiveState = FlagDeleted | FlagCollected | FlagArchived
)

// DirtyMask returns the full dirty-reason bit mask (§3.5's "Dirty" group).
func DirtyMask() Flags { return dirtyMask }

func (f Flags) IsSet(bits Flags) bool    { return f&bits == bits }
func (f Flags) IsAnySet(bits Flags) bool { return f&bits != 0 }
func (f Flags) Set(bits Flags) Flags     { return f | bits }
func (f Flags) Clear(bits Flags) Flags   { return f &^ bits }
func (f Flags) Dirty() Flags             { return f & dirtyMask }
func (f Flags) State() Flags             { return f & stateMask }

// AtomicFlags is the CAS-guarded word every node embeds (§9 design note:
// "set_collected should be a single CAS loop, not a sequence"). It wraps
// go.uber.org/atomic.Uint64 the way the teacher wraps its vendored
// 3rdparty/atomic in per-node state.
type AtomicFlags struct {
	word atomic.Uint64
}

func (a *AtomicFlags) Load() Flags { return Flags(a.word.Load()) }

// OrIn atomically ORs bits into the word; used by hot-path hooks (§4.10)
// that must stay lock-free.
func (a *AtomicFlags) OrIn(bits Flags) Flags {
	for {
		old := a.word.Load()
		next := old | uint64(bits)
		if a.word.CAS(old, next) {
			return Flags(next)
		}
	}
}

func (a *AtomicFlags) AndNot(bits Flags) Flags {
	for {
		old := a.word.Load()
		next := old &^ uint64(bits)
		if a.word.CAS(old, next) {
			return Flags(next)
		}
	}
}

func (a *AtomicFlags) Clear(bits Flags) Flags { return a.AndNot(bits) }

// SetCollected atomically asserts COLLECTED and retracts the other
// exclusive-state bits plus DISCONNECTED_CHILD, in one CAS loop — never as
// a separate Set then Clear, so P4 cannot transiently fail (§9).
func (a *AtomicFlags) SetCollected() Flags {
	for {
		old := a.word.Load()
		next := (old &^ uint64(exclusiveState|FlagDisconnectedChild)) | uint64(FlagCollected)
		if a.word.CAS(old, next) {
			return Flags(next)
		}
	}
}

// SetArchived is SetCollected's dual: assert ARCHIVED, retract the other
// exclusive-state bits. reason is OR-ed in too (e.g. FlagStoppedCollecting).
func (a *AtomicFlags) SetArchived(reason Flags) Flags {
	for {
		old := a.word.Load()
		next := (old &^ uint64(exclusiveState)) | uint64(FlagArchived|FlagUpdated) | uint64(reason)
		if a.word.CAS(old, next) {
			return Flags(next)
		}
	}
}

// SetDeleted asserts DELETED and clears COLLECTED and ARCHIVED; callers must already
// have verified the deletion gate (§3.6.7) before calling this.
func (a *AtomicFlags) SetDeleted(reason Flags) Flags {
	for {
		old := a.word.Load()
		next := (old &^ uint64(FlagCollected|FlagArchived)) | uint64(FlagDeleted|FlagUpdated) | uint64(reason)
		if a.word.CAS(old, next) {
			return Flags(next)
		}
	}
}
