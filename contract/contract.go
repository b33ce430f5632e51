package contract

import (
	"context"
	"reflect"

	"roomlab/domain"
	"roomlab/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself.
// Can be silly, focused.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes, avoiding the need
// for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink receives events routed to one consumer: a participant's
// connection, the audit archive, or a projection. Consume must not block
// past the context deadline; a sink that cannot keep up returns an error
// and lets the caller decide (disconnect for connections, drop for
// observers).
type EventSink interface {
	Consume(ctx context.Context, e event.Event) error
}

// ICollabService is the surface the connection gateway talks to. It hides
// the registry/session plumbing from the transport layer.
type ICollabService interface {
	Join(ctx context.Context, project domain.ProjectID, userID, username string, sink EventSink) (Snapshot, error)
	Leave(ctx context.Context, project domain.ProjectID, userID string, sink EventSink) error
	UpdateCursor(ctx context.Context, project domain.ProjectID, userID string, x, y float64) error
	UpdateSelection(ctx context.Context, project domain.ProjectID, userID string, elements []string) error
	Lock(ctx context.Context, project domain.ProjectID, userID, elementID string) error
	Unlock(ctx context.Context, project domain.ProjectID, userID, elementID string) error
	ApplyMutation(ctx context.Context, project domain.ProjectID, userID, clientTag string, m domain.Mutation) error
	SendChat(ctx context.Context, project domain.ProjectID, userID, text string) error
}

// Snapshot is the full session state returned to a joining client for
// initial sync. Everything in it is a copy owned by the caller.
type Snapshot struct {
	Participants []domain.Participant
	Locks        []domain.ElementLock
	ChatHistory  []domain.ChatMessage
}
