package engine

import (
	"sort"
	"time"

	"roomlab/domain"
)

// PresenceTable tracks who is currently part of one session. Like the
// lock table it is owned by the session goroutine and therefore mutex
// free; reads hand out copies.
type PresenceTable struct {
	participants map[string]*domain.Participant
}

func NewPresenceTable() *PresenceTable {
	return &PresenceTable{participants: make(map[string]*domain.Participant)}
}

// Join registers a participant or reactivates an existing entry on
// rejoin with the same user id. Rejoining never duplicates: identity,
// selection and join time survive a quick reconnect.
func (t *PresenceTable) Join(userID, username string, now time.Time) (domain.Participant, bool) {
	if existing, ok := t.participants[userID]; ok {
		existing.Active = true
		existing.Username = username
		existing.LastSeen = now
		return existing.Clone(), true
	}
	p := &domain.Participant{
		UserID:    userID,
		Username:  username,
		Active:    true,
		Selection: make(map[string]struct{}),
		JoinedAt:  now,
		LastSeen:  now,
	}
	t.participants[userID] = p
	return p.Clone(), false
}

// SetActive flips liveness without touching the rest of the entry.
func (t *PresenceTable) SetActive(userID string, active bool, now time.Time) bool {
	p, ok := t.participants[userID]
	if !ok {
		return false
	}
	p.Active = active
	p.LastSeen = now
	return true
}

// SetCursor overwrites the participant's cursor, last write wins.
func (t *PresenceTable) SetCursor(userID string, pos domain.CursorPosition, now time.Time) bool {
	p, ok := t.participants[userID]
	if !ok {
		return false
	}
	p.Cursor = &pos
	p.LastSeen = now
	return true
}

func (t *PresenceTable) SetSelection(userID string, elements []string, now time.Time) bool {
	p, ok := t.participants[userID]
	if !ok {
		return false
	}
	p.Selection = make(map[string]struct{}, len(elements))
	for _, id := range elements {
		p.Selection[id] = struct{}{}
	}
	p.LastSeen = now
	return true
}

func (t *PresenceTable) Get(userID string) (domain.Participant, bool) {
	p, ok := t.participants[userID]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

func (t *PresenceTable) IsActive(userID string) bool {
	p, ok := t.participants[userID]
	return ok && p.Active
}

// List returns copies of all participants ordered by join time, oldest
// first, so every client renders the same roster.
func (t *PresenceTable) List() []domain.Participant {
	out := make([]domain.Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (t *PresenceTable) ActiveCount() int {
	n := 0
	for _, p := range t.participants {
		if p.Active {
			n++
		}
	}
	return n
}

// Remove drops a participant entirely (explicit leave confirmed, or
// inactivity window elapsed).
func (t *PresenceTable) Remove(userID string) bool {
	if _, ok := t.participants[userID]; !ok {
		return false
	}
	delete(t.participants, userID)
	return true
}

// PruneInactive removes entries that have been inactive since before the
// cutoff and returns their user ids.
func (t *PresenceTable) PruneInactive(cutoff time.Time) []string {
	var pruned []string
	for id, p := range t.participants {
		if !p.Active && p.LastSeen.Before(cutoff) {
			delete(t.participants, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}
