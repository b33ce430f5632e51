package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomlab/domain/event"
	errs "roomlab/errors"
)

func TestConnSink_FIFOForSequencedEvents(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(8)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		req.NoError(s.Consume(ctx, event.MutationApplied{Project: "p", Sequence: i}))
	}

	for i := uint64(1); i <= 3; i++ {
		e, err := s.Next(ctx)
		req.NoError(err)
		req.Equal(i, e.(event.MutationApplied).Sequence)
	}
}

func TestConnSink_CursorUpdatesCoalesceNewestWins(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(8)
	ctx := context.Background()

	// Three positions from the same user before the writer drains
	for i := 1; i <= 3; i++ {
		req.NoError(s.Consume(ctx, event.CursorMoved{Project: "p", UserID: "alice", X: float64(i)}))
	}

	// Only the newest survives
	e, err := s.Next(ctx)
	req.NoError(err)
	req.Equal(float64(3), e.(event.CursorMoved).X)
	req.Equal(2, s.Coalesced())

	// Nothing else pending
	timedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Next(timedCtx)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestConnSink_CursorsFromDifferentUsersKeepTheirSlots(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(8)
	ctx := context.Background()

	req.NoError(s.Consume(ctx, event.CursorMoved{Project: "p", UserID: "alice", X: 1}))
	req.NoError(s.Consume(ctx, event.CursorMoved{Project: "p", UserID: "bob", X: 2}))

	users := map[string]bool{}
	for i := 0; i < 2; i++ {
		e, err := s.Next(ctx)
		req.NoError(err)
		users[e.(event.CursorMoved).UserID] = true
	}
	req.Len(users, 2)
}

func TestConnSink_QueuedEventsDrainBeforeEphemeral(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(8)
	ctx := context.Background()

	req.NoError(s.Consume(ctx, event.CursorMoved{Project: "p", UserID: "alice", X: 1}))
	req.NoError(s.Consume(ctx, event.ChatPosted{Project: "p", Sequence: 1, Text: "hi"}))

	// The ordered queue wins over pending cursor slots
	e, err := s.Next(ctx)
	req.NoError(err)
	req.IsType(event.ChatPosted{}, e)

	e, err = s.Next(ctx)
	req.NoError(err)
	req.IsType(event.CursorMoved{}, e)
}

func TestConnSink_OverflowFailsPastDeadline(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(2)
	ctx := context.Background()

	req.NoError(s.Consume(ctx, event.ChatPosted{Project: "p", Sequence: 1}))
	req.NoError(s.Consume(ctx, event.ChatPosted{Project: "p", Sequence: 2}))

	// Queue full and nobody draining: the delivery deadline expires
	timedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.Consume(timedCtx, event.ChatPosted{Project: "p", Sequence: 3})
	req.ErrorIs(err, errs.ErrSinkOverflow)

	// Cursor updates never hit the full queue
	req.NoError(s.Consume(ctx, event.CursorMoved{Project: "p", UserID: "alice", X: 9}))
}

func TestConnSink_CloseReleasesWriter(t *testing.T) {
	req := require.New(t)
	s := NewConnSink(2)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()

	s.Close()

	select {
	case err := <-done:
		req.ErrorIs(err, errs.ErrSessionClosed)
	case <-time.After(time.Second):
		req.Fail("Next should return once the sink is closed")
	}

	req.ErrorIs(s.Consume(ctx, event.ChatPosted{Project: "p", Sequence: 1}), errs.ErrSinkOverflow)
}
