// Package ws is the websocket connection gateway: it bridges one
// transport connection to the session engine, translating JSON wire
// frames to intents inbound and events to frames outbound.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"roomlab/domain"
	"roomlab/domain/event"
)

// Frame is the envelope of every wire message, in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeCursor          = "cursor"
	TypeSelection       = "selection"
	TypeLock            = "lock"
	TypeUnlock          = "unlock"
	TypeFurnitureAdd    = "furniture_add"
	TypeFurnitureMove   = "furniture_move"
	TypeFurnitureRemove = "furniture_remove"
	TypeDesignUpdate    = "design_update"
	TypeChat            = "chat"
)

// Outbound frame types.
const (
	TypeJoinAck          = "join_ack"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeCursorMoved      = "cursor_moved"
	TypeSelectionChanged = "selection_changed"
	TypeElementLocked    = "element_locked"
	TypeElementUnlocked  = "element_unlocked"
	TypeLockResult       = "lock_result"
	TypeMutation         = "mutation"
	TypeChatMessage      = "chat_message"
	TypeError            = "error"
)

type JoinPayload struct {
	ProjectID string `json:"project_id" validate:"required,max=128"`
	// Identity fallback for deployments without a token verifier; ignored
	// when the gateway resolved the identity from the request.
	UserID   string `json:"user_id" validate:"omitempty,max=128"`
	Username string `json:"username" validate:"omitempty,max=128"`
}

type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SelectionPayload struct {
	Elements []string `json:"elements" validate:"max=256,dive,required,max=128"`
}

type LockPayload struct {
	ElementID string `json:"element_id" validate:"required,max=128"`
}

type FurnitureAddPayload struct {
	Item      FurnitureItemInfo `json:"item" validate:"required"`
	ClientTag string            `json:"client_tag" validate:"omitempty,max=64"`
}

type FurnitureMovePayload struct {
	ElementID string  `json:"element_id" validate:"required,max=128"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ClientTag string  `json:"client_tag" validate:"omitempty,max=64"`
}

type FurnitureRemovePayload struct {
	ElementID string `json:"element_id" validate:"required,max=128"`
	ClientTag string `json:"client_tag" validate:"omitempty,max=64"`
}

type DesignUpdatePayload struct {
	Patch     map[string]any `json:"patch" validate:"required,min=1"`
	ClientTag string         `json:"client_tag" validate:"omitempty,max=64"`
}

type ChatPayload struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type FurnitureItemInfo struct {
	ElementID string  `json:"element_id" validate:"required,max=128"`
	Kind      string  `json:"kind" validate:"required,max=64"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Rotation  float64 `json:"rotation"`
}

type CursorInfo struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ParticipantInfo struct {
	UserID           string      `json:"user_id"`
	Username         string      `json:"username"`
	IsActive         bool        `json:"is_active"`
	Cursor           *CursorInfo `json:"cursor,omitempty"`
	SelectedElements []string    `json:"selected_elements"`
	JoinedAt         time.Time   `json:"joined_at"`
}

type LockInfo struct {
	ElementID string    `json:"element_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ChatMessageInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
}

type JoinAckPayload struct {
	Participants []ParticipantInfo   `json:"participants"`
	Locks        map[string]LockInfo `json:"locks"`
	ChatHistory  []ChatMessageInfo   `json:"chat_history"`
}

type UserJoinedPayload struct {
	User     ParticipantInfo `json:"user"`
	Rejoined bool            `json:"rejoined"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type CursorMovedPayload struct {
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type SelectionChangedPayload struct {
	UserID   string   `json:"user_id"`
	Elements []string `json:"elements"`
}

type LockResultPayload struct {
	ElementID string    `json:"element_id"`
	Granted   bool      `json:"granted"`
	Holder    string    `json:"holder,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type MutationBroadcastPayload struct {
	SequenceNumber uint64             `json:"sequence_number"`
	OriginUserID   string             `json:"origin_user_id"`
	ClientTag      string             `json:"client_tag,omitempty"`
	Kind           string             `json:"kind"`
	Item           *FurnitureItemInfo `json:"item,omitempty"`
	ElementID      string             `json:"element_id,omitempty"`
	X              float64            `json:"x,omitempty"`
	Y              float64            `json:"y,omitempty"`
	Patch          map[string]any     `json:"patch,omitempty"`
	At             time.Time          `json:"at"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// EventFrame maps an engine event to its wire frame. The second return is
// false for events this connection has no frame for.
func EventFrame(e event.Event) (Frame, bool, error) {
	switch evt := e.(type) {
	case event.UserJoined:
		f, err := NewFrame(TypeUserJoined, UserJoinedPayload{
			User:     toParticipantInfo(evt.Participant),
			Rejoined: evt.Rejoined,
		})
		return f, true, err
	case event.UserLeft:
		f, err := NewFrame(TypeUserLeft, UserLeftPayload{UserID: evt.UserID})
		return f, true, err
	case event.CursorMoved:
		f, err := NewFrame(TypeCursorMoved, CursorMovedPayload{UserID: evt.UserID, X: evt.X, Y: evt.Y})
		return f, true, err
	case event.SelectionChanged:
		f, err := NewFrame(TypeSelectionChanged, SelectionChangedPayload{UserID: evt.UserID, Elements: evt.Elements})
		return f, true, err
	case event.ElementLocked:
		f, err := NewFrame(TypeElementLocked, LockInfo{
			ElementID: evt.ElementID,
			UserID:    evt.UserID,
			ExpiresAt: evt.ExpiresAt,
		})
		return f, true, err
	case event.ElementUnlocked:
		f, err := NewFrame(TypeElementUnlocked, LockPayload{ElementID: evt.ElementID})
		return f, true, err
	case event.LockResult:
		payload := LockResultPayload{
			ElementID: evt.ElementID,
			Granted:   evt.Granted,
			ExpiresAt: evt.ExpiresAt,
		}
		if !evt.Granted {
			payload.Holder = evt.HolderID
		}
		f, err := NewFrame(TypeLockResult, payload)
		return f, true, err
	case event.MutationApplied:
		f, err := NewFrame(TypeMutation, toMutationPayload(evt))
		return f, true, err
	case event.ChatPosted:
		f, err := NewFrame(TypeChatMessage, ChatMessageInfo{
			ID:             evt.ID.String(),
			UserID:         evt.UserID,
			Username:       evt.Username,
			Text:           evt.Text,
			Timestamp:      evt.At,
			SequenceNumber: evt.Sequence,
		})
		return f, true, err
	default:
		return Frame{}, false, fmt.Errorf("no wire mapping for %T", e)
	}
}

func toParticipantInfo(p domain.Participant) ParticipantInfo {
	info := ParticipantInfo{
		UserID:           p.UserID,
		Username:         p.Username,
		IsActive:         p.Active,
		SelectedElements: p.SelectedElements(),
		JoinedAt:         p.JoinedAt,
	}
	if p.Cursor != nil {
		info.Cursor = &CursorInfo{X: p.Cursor.X, Y: p.Cursor.Y}
	}
	return info
}

func toMutationPayload(evt event.MutationApplied) MutationBroadcastPayload {
	m := evt.Mutation
	payload := MutationBroadcastPayload{
		SequenceNumber: evt.Sequence,
		OriginUserID:   evt.Origin,
		ClientTag:      evt.ClientTag,
		Kind:           string(m.Kind),
		ElementID:      m.ElementID,
		X:              m.X,
		Y:              m.Y,
		Patch:          m.Patch,
		At:             evt.At,
	}
	if m.Item != nil {
		payload.Item = &FurnitureItemInfo{
			ElementID: m.Item.ElementID,
			Kind:      m.Item.Kind,
			X:         m.Item.X,
			Y:         m.Item.Y,
			Rotation:  m.Item.Rotation,
		}
	}
	return payload
}

func toSnapshotAck(participants []ParticipantInfo, locks []LockInfo, history []ChatMessageInfo) JoinAckPayload {
	lockMap := make(map[string]LockInfo, len(locks))
	for _, l := range locks {
		lockMap[l.ElementID] = l
	}
	return JoinAckPayload{Participants: participants, Locks: lockMap, ChatHistory: history}
}
