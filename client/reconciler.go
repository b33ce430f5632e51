// Package client is the engine's client side: a connection with a
// bounded-reconnect state machine, and the local reconciler that applies
// broadcasts to the local view while suppressing echoes of its own
// optimistic edits.
package client

import (
	"sync"

	"github.com/google/uuid"

	"roomlab/domain"
	"roomlab/infrastructure/ws"
)

// Reconciler maintains the local authoritative view. Local mutations are
// applied optimistically under a fresh client tag; when the broadcast
// echo arrives it is recognized by (origin, tag) — never by content
// comparison — and skipped, because the local view already has it.
type Reconciler struct {
	userID string

	mu           sync.Mutex
	layout       map[string]domain.FurnitureItem
	design       map[string]any
	pendingTags  map[string]struct{}
	lastSequence uint64

	participants map[string]ws.ParticipantInfo
	locks        map[string]ws.LockInfo
	chat         []ws.ChatMessageInfo
}

func NewReconciler(userID string) *Reconciler {
	return &Reconciler{
		userID:       userID,
		layout:       make(map[string]domain.FurnitureItem),
		design:       make(map[string]any),
		pendingTags:  make(map[string]struct{}),
		participants: make(map[string]ws.ParticipantInfo),
		locks:        make(map[string]ws.LockInfo),
	}
}

// Reset replaces local state with a join snapshot. Pending echo tags are
// cleared: after a reconnect the snapshot is authoritative and any
// pre-disconnect optimistic edit it lacks was lost, not in flight.
func (r *Reconciler) Reset(ack ws.JoinAckPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTags = make(map[string]struct{})
	r.lastSequence = 0
	r.participants = make(map[string]ws.ParticipantInfo, len(ack.Participants))
	for _, p := range ack.Participants {
		r.participants[p.UserID] = p
	}
	r.locks = make(map[string]ws.LockInfo, len(ack.Locks))
	for id, l := range ack.Locks {
		r.locks[id] = l
	}
	r.chat = append([]ws.ChatMessageInfo(nil), ack.ChatHistory...)
	for _, m := range ack.ChatHistory {
		if m.SequenceNumber > r.lastSequence {
			r.lastSequence = m.SequenceNumber
		}
	}
}

// ApplyLocal applies a mutation optimistically and returns the tag to
// attach to the outgoing frame.
func (r *Reconciler) ApplyLocal(m domain.Mutation) string {
	tag := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTags[tag] = struct{}{}
	r.applyMutation(m)
	return tag
}

// ApplyBroadcast feeds one mutation broadcast in. It returns true when
// the local view changed, false when the event was a suppressed echo.
func (r *Reconciler) ApplyBroadcast(p ws.MutationBroadcastPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.SequenceNumber > r.lastSequence {
		r.lastSequence = p.SequenceNumber
	}

	if p.OriginUserID == r.userID && p.ClientTag != "" {
		if _, pending := r.pendingTags[p.ClientTag]; pending {
			delete(r.pendingTags, p.ClientTag)
			return false
		}
	}

	r.applyMutation(toMutation(p))
	return true
}

func (r *Reconciler) ApplyChat(m ws.ChatMessageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.SequenceNumber > r.lastSequence {
		r.lastSequence = m.SequenceNumber
	}
	r.chat = append(r.chat, m)
}

func (r *Reconciler) ApplyUserJoined(p ws.UserJoinedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.User.UserID] = p.User
}

func (r *Reconciler) ApplyUserLeft(p ws.UserLeftPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.participants[p.UserID]; ok {
		existing.IsActive = false
		r.participants[p.UserID] = existing
	}
}

func (r *Reconciler) ApplyCursor(p ws.CursorMovedPayload) {
	if p.UserID == r.userID {
		return // own cursor echo carries no information
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.participants[p.UserID]; ok {
		existing.Cursor = &ws.CursorInfo{X: p.X, Y: p.Y}
		r.participants[p.UserID] = existing
	}
}

func (r *Reconciler) ApplySelection(p ws.SelectionChangedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.participants[p.UserID]; ok {
		existing.SelectedElements = append([]string(nil), p.Elements...)
		r.participants[p.UserID] = existing
	}
}

func (r *Reconciler) ApplyLocked(l ws.LockInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[l.ElementID] = l
}

func (r *Reconciler) ApplyUnlocked(elementID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, elementID)
}

// Layout returns a copy of the local furniture layout.
func (r *Reconciler) Layout() map[string]domain.FurnitureItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.FurnitureItem, len(r.layout))
	for id, item := range r.layout {
		out[id] = item
	}
	return out
}

func (r *Reconciler) Participants() []ws.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ws.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

func (r *Reconciler) Locks() map[string]ws.LockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ws.LockInfo, len(r.locks))
	for id, l := range r.locks {
		out[id] = l
	}
	return out
}

func (r *Reconciler) Chat() []ws.ChatMessageInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ws.ChatMessageInfo(nil), r.chat...)
}

func (r *Reconciler) LastSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSequence
}

func (r *Reconciler) PendingEchoes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingTags)
}

// applyMutation requires r.mu held.
func (r *Reconciler) applyMutation(m domain.Mutation) {
	switch m.Kind {
	case domain.FurnitureAdded:
		if m.Item != nil {
			r.layout[m.Item.ElementID] = *m.Item
		}
	case domain.FurnitureMoved:
		if item, ok := r.layout[m.ElementID]; ok {
			item.X = m.X
			item.Y = m.Y
			r.layout[m.ElementID] = item
		} else {
			r.layout[m.ElementID] = domain.FurnitureItem{ElementID: m.ElementID, X: m.X, Y: m.Y}
		}
	case domain.FurnitureRemoved:
		delete(r.layout, m.ElementID)
	case domain.DesignUpdated:
		for k, v := range m.Patch {
			r.design[k] = v
		}
	}
}

func toMutation(p ws.MutationBroadcastPayload) domain.Mutation {
	m := domain.Mutation{
		Kind:      domain.MutationKind(p.Kind),
		ElementID: p.ElementID,
		X:         p.X,
		Y:         p.Y,
		Patch:     p.Patch,
	}
	if p.Item != nil {
		m.Item = &domain.FurnitureItem{
			ElementID: p.Item.ElementID,
			Kind:      p.Item.Kind,
			X:         p.Item.X,
			Y:         p.Item.Y,
			Rotation:  p.Item.Rotation,
		}
	}
	return m
}
