package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is an immutable, session-scoped chat entry. Sequence comes
// from the same per-session counter as mutations, so chat and design
// changes share one total order.
type ChatMessage struct {
	ID       uuid.UUID
	UserID   string
	Username string
	Text     string
	Sequence uint64
	At       time.Time
}
