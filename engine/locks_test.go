package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTable_ExclusiveUntilReleased(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	// Given Alice holding the lock on sofa_1
	lock, granted := table.Acquire("sofa_1", "alice", now)
	req.True(granted)
	req.Equal("alice", lock.HolderID)

	// When Bob requests the same element
	held, granted := table.Acquire("sofa_1", "bob", now.Add(100*time.Millisecond))

	// Then the request is denied and reports the current holder
	req.False(granted)
	req.Equal("alice", held.HolderID)

	// When Alice releases and Bob retries
	req.True(table.Release("sofa_1", "alice", now.Add(200*time.Millisecond)))
	_, granted = table.Acquire("sofa_1", "bob", now.Add(300*time.Millisecond))

	// Then Bob gets the lock
	req.True(granted)
}

func TestLockTable_ExpiredLockIsReacquirable(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	_, granted := table.Acquire("sofa_1", "alice", now)
	req.True(granted)

	// A request after the TTL elapsed wins, no explicit unlock needed
	lock, granted := table.Acquire("sofa_1", "bob", now.Add(1100*time.Millisecond))
	req.True(granted)
	req.Equal("bob", lock.HolderID)
}

func TestLockTable_ReacquireRefreshesTTL(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	first, _ := table.Acquire("sofa_1", "alice", now)

	// Re-acquiring your own lock mid-drag pushes the expiry forward
	refreshed, granted := table.Acquire("sofa_1", "alice", now.Add(800*time.Millisecond))
	req.True(granted)
	req.True(refreshed.ExpiresAt.After(first.ExpiresAt))

	// Bob still loses at a time past the original expiry
	_, granted = table.Acquire("sofa_1", "bob", now.Add(1500*time.Millisecond))
	req.False(granted)
}

func TestLockTable_ReleaseRequiresHolder(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	table.Acquire("sofa_1", "alice", now)

	// Bob cannot release Alice's lock
	req.False(table.Release("sofa_1", "bob", now))
	req.True(table.HeldBy("sofa_1", "alice", now))
}

func TestLockTable_ReleaseAllHeldBy(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	table.Acquire("sofa_1", "alice", now)
	table.Acquire("lamp_2", "alice", now)
	table.Acquire("table_3", "bob", now)

	freed := table.ReleaseAllHeldBy("alice")

	req.ElementsMatch([]string{"sofa_1", "lamp_2"}, freed)
	req.False(table.HeldBy("sofa_1", "alice", now))
	req.True(table.HeldBy("table_3", "bob", now))
}

func TestLockTable_SweepExpired(t *testing.T) {
	req := require.New(t)
	table := NewLockTable(time.Second)
	now := time.Now()

	table.Acquire("sofa_1", "alice", now)
	table.Acquire("lamp_2", "bob", now.Add(500*time.Millisecond))

	freed := table.SweepExpired(now.Add(1100 * time.Millisecond))

	req.Equal([]string{"sofa_1"}, freed)
	req.Len(table.Snapshot(now.Add(1100*time.Millisecond)), 1)
}
