package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	log := slog.Default()
	r := NewRegistry(log, NewSupervisor(log), SessionConfig{}, grace, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		r.Close()
		cancel()
	})
	return r
}

func TestRegistry_OneSessionPerProject(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry(t, time.Minute)

	// Fifty concurrent joins on the same project must share one actor
	var wg sync.WaitGroup
	sessions := make([]*Session, 50)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = r.GetOrCreate("apartment_7")
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		req.Same(sessions[0], s)
	}
	req.Len(r.Sessions(), 1)

	// A different project gets its own session
	other := r.GetOrCreate("loft_2")
	req.NotSame(sessions[0], other)
	req.Len(r.Sessions(), 2)
}

func TestRegistry_GetDoesNotCreate(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry(t, time.Minute)

	_, ok := r.Get("apartment_7")
	req.False(ok)

	r.GetOrCreate("apartment_7")
	s, ok := r.Get("apartment_7")
	req.True(ok)
	req.NotNil(s)
}

func TestRegistry_TearsDownEmptySessionAfterGrace(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	s := r.GetOrCreate("apartment_7")
	_, err := s.Join(ctx, "alice", "Alice", &recordingSink{})
	req.NoError(err)

	// When the last participant leaves
	req.NoError(s.Leave(ctx, "alice", nil))

	// Then the session is gone once the grace period elapsed
	req.Eventually(func() bool {
		_, ok := r.Get("apartment_7")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// A later join starts from a fresh empty session
	fresh := r.GetOrCreate("apartment_7")
	snap, err := fresh.Join(ctx, "bob", "Bob", &recordingSink{})
	req.NoError(err)
	req.Len(snap.Participants, 1)
	req.Empty(snap.ChatHistory)
}

func TestRegistry_RejoinDuringGraceCancelsTeardown(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry(t, 200*time.Millisecond)
	ctx := context.Background()

	s := r.GetOrCreate("apartment_7")
	_, err := s.Join(ctx, "alice", "Alice", &recordingSink{})
	req.NoError(err)
	req.NoError(s.SendChat(ctx, "alice", "back in a second"))
	req.NoError(s.Leave(ctx, "alice", nil))

	// Alice reconnects inside the grace window
	time.Sleep(50 * time.Millisecond)
	again := r.GetOrCreate("apartment_7")
	snap, err := again.Join(ctx, "alice", "Alice", &recordingSink{})
	req.NoError(err)

	// State survived: same session, history intact
	req.Same(s, again)
	req.Len(snap.ChatHistory, 1)

	// Well past the original grace deadline the session is still there
	time.Sleep(300 * time.Millisecond)
	_, ok := r.Get("apartment_7")
	req.True(ok)
}

func TestRegistry_ReplacesClosedSession(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry(t, time.Minute)

	// Given a session closed while still registered, as a fired teardown
	// can do to a caller holding the old pointer
	stale := r.GetOrCreate("apartment_7")
	stale.Close()

	// Then the next lookup hands out a fresh, usable session
	fresh := r.GetOrCreate("apartment_7")
	req.NotSame(stale, fresh)
	req.False(fresh.Closed())

	_, err := fresh.Join(context.Background(), "alice", "Alice", &recordingSink{})
	req.NoError(err)
}
