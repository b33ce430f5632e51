// Package event defines everything a session fans out to connected
// participants. Sequenced events (mutations, chat) share one per-session
// counter and are delivered in assignment order; ephemeral events
// (cursors) carry no ordering or delivery guarantee and may be coalesced.
package event

import (
	"time"

	"github.com/google/uuid"

	"roomlab/domain"
)

// Event is anything routed through the broadcaster.
type Event interface {
	ProjectID() domain.ProjectID
}

// Sequenced marks events that occupy the session's total order.
type Sequenced interface {
	Event
	SequenceNumber() uint64
}

// Ephemeral marks events that are last-write-wins per coalesce key. A
// full outbound queue drops or supersedes these before anything else.
type Ephemeral interface {
	Event
	CoalesceKey() string
}

type UserJoined struct {
	Project     domain.ProjectID
	Participant domain.Participant
	Rejoined    bool
}

func (e UserJoined) ProjectID() domain.ProjectID { return e.Project }

type UserLeft struct {
	Project domain.ProjectID
	UserID  string
}

func (e UserLeft) ProjectID() domain.ProjectID { return e.Project }

type CursorMoved struct {
	Project domain.ProjectID
	UserID  string
	X       float64
	Y       float64
}

func (e CursorMoved) ProjectID() domain.ProjectID { return e.Project }

// CoalesceKey groups cursor updates by origin so only the newest position
// per user survives backpressure.
func (e CursorMoved) CoalesceKey() string { return e.UserID }

type SelectionChanged struct {
	Project  domain.ProjectID
	UserID   string
	Elements []string
}

func (e SelectionChanged) ProjectID() domain.ProjectID { return e.Project }

func (e SelectionChanged) CoalesceKey() string { return "sel:" + e.UserID }

type ElementLocked struct {
	Project   domain.ProjectID
	ElementID string
	UserID    string
	ExpiresAt time.Time
}

func (e ElementLocked) ProjectID() domain.ProjectID { return e.Project }

type ElementUnlocked struct {
	Project   domain.ProjectID
	ElementID string
}

func (e ElementUnlocked) ProjectID() domain.ProjectID { return e.Project }

// MutationApplied is an accepted design change. ClientTag is the opaque
// tag the origin attached for echo suppression; other clients ignore it.
type MutationApplied struct {
	Project   domain.ProjectID
	Sequence  uint64
	Origin    string
	ClientTag string
	Mutation  domain.Mutation
	At        time.Time
}

func (e MutationApplied) ProjectID() domain.ProjectID { return e.Project }

func (e MutationApplied) SequenceNumber() uint64 { return e.Sequence }

type ChatPosted struct {
	Project  domain.ProjectID
	ID       uuid.UUID
	Sequence uint64
	UserID   string
	Username string
	Text     string
	At       time.Time
}

func (e ChatPosted) ProjectID() domain.ProjectID { return e.Project }

func (e ChatPosted) SequenceNumber() uint64 { return e.Sequence }

// LockResult is addressed to the requesting connection only, never fanned
// out. It still flows through the connection sink so replies keep their
// position relative to broadcasts.
type LockResult struct {
	Project   domain.ProjectID
	ElementID string
	Granted   bool
	HolderID  string
	ExpiresAt time.Time
}

func (e LockResult) ProjectID() domain.ProjectID { return e.Project }
