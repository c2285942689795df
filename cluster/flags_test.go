package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsBasic(t *testing.T) {
	f := FlagCollected | FlagUpdated
	assert.True(t, f.IsSet(FlagCollected))
	assert.True(t, f.IsAnySet(FlagCollected|FlagArchived))
	assert.False(t, f.IsSet(FlagArchived))
	assert.Equal(t, FlagUpdated, f.Dirty())
	assert.Equal(t, FlagCollected, f.State())
}

func TestAtomicFlagsSetCollectedIsExclusive(t *testing.T) {
	var a AtomicFlags
	a.SetArchived(FlagStoppedCollecting)
	require.True(t, a.Load().IsSet(FlagArchived))

	next := a.SetCollected()
	assert.True(t, next.IsSet(FlagCollected))
	assert.False(t, next.IsSet(FlagArchived))
	assert.False(t, next.IsSet(FlagDeleted))
}

func TestAtomicFlagsSetDeletedClearsCollectedAndArchived(t *testing.T) {
	var a AtomicFlags
	a.SetCollected()
	next := a.SetDeleted(FlagZeroRetention)
	assert.True(t, next.IsSet(FlagDeleted))
	assert.True(t, next.IsSet(FlagZeroRetention))
	assert.False(t, next.IsSet(FlagCollected))

	var b AtomicFlags
	b.SetArchived(FlagStoppedCollecting)
	assert.False(t, b.SetDeleted(FlagZeroRetention).IsSet(FlagArchived))
}

// TestAtomicFlagsConcurrentTransitionsNeverViolateExclusivity exercises the
// CAS-loop design note of §9: many goroutines racing SetCollected/
// SetArchived/SetDeleted must never leave more than one exclusive-state bit
// set, even transiently as observed by a racing Load.
func TestAtomicFlagsConcurrentTransitionsNeverViolateExclusivity(t *testing.T) {
	var a AtomicFlags
	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				a.SetCollected()
			case 1:
				a.SetArchived(0)
			case 2:
				a.SetDeleted(FlagZeroRetention)
			}
		}(i)
	}
	wg.Wait()

	final := a.Load()
	exclusiveSet := 0
	for _, bit := range []Flags{FlagDeleted, FlagCollected, FlagArchived} {
		if final.IsSet(bit) {
			exclusiveSet++
		}
	}
	assert.LessOrEqual(t, exclusiveSet, 1)
}

func TestDirtyMaskExcludesStateAndQueueBits(t *testing.T) {
	mask := DirtyMask()
	assert.False(t, mask.IsAnySet(FlagCollected|FlagArchived|FlagDeleted))
	assert.False(t, mask.IsAnySet(FlagQueuedForPP|FlagQueuedForHub))
	assert.True(t, mask.IsSet(FlagNewObject))
	assert.True(t, mask.IsSet(FlagUpdateRetention))
}
