package engine

import (
	"time"

	"roomlab/domain"
)

// LockTable holds the advisory element locks of one session. It is only
// ever touched from the session goroutine, so it needs no mutex; the
// serialization is structural.
//
// Per element the state machine is Unlocked -> Locked(holder, expiry) ->
// Unlocked. Unlock, TTL expiry and holder disconnect all take the second
// transition; a Lock attempt while Locked is a no-op returning the
// current holder.
type LockTable struct {
	ttl   time.Duration
	locks map[string]domain.ElementLock
}

func NewLockTable(ttl time.Duration) *LockTable {
	return &LockTable{ttl: ttl, locks: make(map[string]domain.ElementLock)}
}

// Acquire grants the lock if the element is unlocked or the existing lock
// has expired. Re-acquiring a lock you already hold refreshes its TTL (a
// drag in progress keeps its grip). On denial the current holder is
// returned.
func (t *LockTable) Acquire(elementID, userID string, now time.Time) (domain.ElementLock, bool) {
	if existing, ok := t.locks[elementID]; ok && !existing.Expired(now) {
		if existing.HolderID != userID {
			return existing, false
		}
		existing.ExpiresAt = now.Add(t.ttl)
		t.locks[elementID] = existing
		return existing, true
	}
	lock := domain.ElementLock{
		ElementID:  elementID,
		HolderID:   userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(t.ttl),
	}
	t.locks[elementID] = lock
	return lock, true
}

// Release unlocks only if userID is the current holder. Unlocking someone
// else's lock is a no-op.
func (t *LockTable) Release(elementID, userID string, now time.Time) bool {
	existing, ok := t.locks[elementID]
	if !ok {
		return false
	}
	if existing.Expired(now) {
		delete(t.locks, elementID)
		return false
	}
	if existing.HolderID != userID {
		return false
	}
	delete(t.locks, elementID)
	return true
}

// HeldBy reports whether userID currently holds a live lock on elementID.
func (t *LockTable) HeldBy(elementID, userID string, now time.Time) bool {
	existing, ok := t.locks[elementID]
	return ok && !existing.Expired(now) && existing.HolderID == userID
}

// ReleaseAllHeldBy drops every lock of a user, returning the freed element
// ids. Called on disconnect so a vanished participant never blocks others
// until TTL.
func (t *LockTable) ReleaseAllHeldBy(userID string) []string {
	var freed []string
	for id, lock := range t.locks {
		if lock.HolderID == userID {
			delete(t.locks, id)
			freed = append(freed, id)
		}
	}
	return freed
}

// SweepExpired removes locks past their TTL and returns the freed element
// ids. Expiry is also checked lazily in Acquire; the sweep only exists so
// watchers hear ElementUnlocked without waiting for the next contender.
func (t *LockTable) SweepExpired(now time.Time) []string {
	var freed []string
	for id, lock := range t.locks {
		if lock.Expired(now) {
			delete(t.locks, id)
			freed = append(freed, id)
		}
	}
	return freed
}

// Snapshot copies all live locks for a joining client.
func (t *LockTable) Snapshot(now time.Time) []domain.ElementLock {
	out := make([]domain.ElementLock, 0, len(t.locks))
	for _, lock := range t.locks {
		if !lock.Expired(now) {
			out = append(out, lock)
		}
	}
	return out
}
