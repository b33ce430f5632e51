package domain

import "time"

// ElementLock is an advisory, TTL-bounded exclusive edit right over one
// design element. At most one non-expired lock exists per element.
type ElementLock struct {
	ElementID  string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (l ElementLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
