// Package sink contains the event consumers fed by the broadcaster: the
// per-connection outbound queue and the audit archive.
package sink

import (
	"context"
	"sync"

	"roomlab/domain/event"
	errs "roomlab/errors"
)

// ConnSink is the bounded outbound queue of one connection. The session
// goroutine enqueues, the connection's writer goroutine drains.
//
// Sequenced and presence events go through a FIFO channel; enqueueing
// blocks up to the caller's deadline and then fails, which the session
// treats as a slow client to disconnect. Ephemeral events (cursors,
// selections) live in a last-write-wins slot per coalesce key instead:
// they are never queued, never retried, and a full connection simply
// keeps the newest position.
type ConnSink struct {
	mu        sync.Mutex
	latest    map[string]event.Event
	keys      []string // coalesce keys in first-seen order
	coalesced int

	out    chan event.Event
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func NewConnSink(buffer int) *ConnSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ConnSink{
		latest: make(map[string]event.Event),
		out:    make(chan event.Event, buffer),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Consume is called by the broadcaster from the session goroutine.
func (s *ConnSink) Consume(ctx context.Context, e event.Event) error {
	select {
	case <-s.closed:
		return errs.ErrSinkOverflow
	default:
	}

	if eph, ok := e.(event.Ephemeral); ok {
		s.mu.Lock()
		key := eph.CoalesceKey()
		if _, exists := s.latest[key]; exists {
			s.coalesced++
		} else {
			s.keys = append(s.keys, key)
		}
		s.latest[key] = e
		s.mu.Unlock()
		s.notify()
		return nil
	}

	select {
	case s.out <- e:
		return nil
	case <-ctx.Done():
		return errs.ErrSinkOverflow
	case <-s.closed:
		return errs.ErrSinkOverflow
	}
}

// Next blocks until an event is available or the context ends. Queued
// events keep strict FIFO order; pending ephemeral events are flushed
// whenever the queue is idle, newest value per key only.
func (s *ConnSink) Next(ctx context.Context) (event.Event, error) {
	for {
		select {
		case e := <-s.out:
			return e, nil
		default:
		}

		if e, ok := s.popEphemeral(); ok {
			return e, nil
		}

		select {
		case e := <-s.out:
			return e, nil
		case <-s.wake:
		case <-s.closed:
			return nil, errs.ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the writer; further Consume calls fail so the session
// drops this participant on its next delivery attempt.
func (s *ConnSink) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Coalesced reports how many ephemeral updates were superseded before
// delivery.
func (s *ConnSink) Coalesced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coalesced
}

func (s *ConnSink) popEphemeral() (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return nil, false
	}
	key := s.keys[0]
	s.keys = s.keys[1:]
	e := s.latest[key]
	delete(s.latest, key)
	return e, true
}

func (s *ConnSink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
