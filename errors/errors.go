package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")
	ErrEmptyWords  = fmt.Errorf("no words have been found")

	// ErrSessionBusy is retryable: the session intent queue is full and
	// the caller should back off instead of growing it unboundedly.
	ErrSessionBusy = fmt.Errorf("session intent queue full")

	ErrSessionNotFound = fmt.Errorf("no running session for project")
	ErrUnknownProject  = fmt.Errorf("unknown project")
	ErrNotParticipant  = fmt.Errorf("user is not a session participant")
	ErrLockRequired    = fmt.Errorf("element is not locked by the caller")
	ErrInvalidIntent   = fmt.Errorf("malformed intent")
	ErrSessionClosed   = fmt.Errorf("session closed")

	// ErrSinkOverflow means a connection's outbound queue stayed full past
	// the delivery timeout; the owning client is disconnected, not retried.
	ErrSinkOverflow = fmt.Errorf("outbound queue full")

	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")
)
