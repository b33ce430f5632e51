// Package domain contains core concepts of the collaborative design session:
// participants, element locks, furniture mutations, and chat.
// No runtime, network, or UI logic should be added here.
package domain

import (
	"time"
)

// ProjectID identifies one shared design document. All collaboration state
// is scoped to a project.
type ProjectID string

// CursorPosition is the last reported pointer position of a participant on
// the design canvas. Ephemeral: overwritten on every update, never queued.
type CursorPosition struct {
	X float64
	Y float64
}

// Participant is a user known to a session. Active flips false on
// disconnect and true again on rejoin; the entry itself survives until the
// inactivity window elapses so a quick reconnect keeps identity, selection
// and join time.
type Participant struct {
	UserID    string
	Username  string
	Active    bool
	Cursor    *CursorPosition
	Selection map[string]struct{}
	JoinedAt  time.Time
	LastSeen  time.Time
}

// Clone returns a deep copy safe to hand outside the session goroutine.
func (p Participant) Clone() Participant {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	out.Selection = make(map[string]struct{}, len(p.Selection))
	for id := range p.Selection {
		out.Selection[id] = struct{}{}
	}
	return out
}

// SelectedElements lists the participant's current selection.
func (p Participant) SelectedElements() []string {
	out := make([]string, 0, len(p.Selection))
	for id := range p.Selection {
		out = append(out, id)
	}
	return out
}
