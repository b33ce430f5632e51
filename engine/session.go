// Package engine is the collaborative session engine: one goroutine per
// project serializes every intent against that project's shared state
// (presence, locks, sequence counter, chat log) and fans accepted events
// out to the connected participants. Cross-session work is concurrent;
// inside a session, ordering is total because processing is sequential.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"roomlab/contract"
	"roomlab/domain"
	"roomlab/domain/event"
	errs "roomlab/errors"
	"roomlab/moderation"
	"roomlab/observability"
)

// SessionConfig carries the knobs of one session. Zero values are filled
// with defaults by the registry.
type SessionConfig struct {
	LockTTL              time.Duration
	InactivityTimeout    time.Duration
	HousekeepingInterval time.Duration
	DeliveryTimeout      time.Duration
	IntentBuffer         int
	ChatHistoryLimit     int
}

const (
	defaultLockTTL              = time.Second
	defaultInactivityTimeout    = 2 * time.Minute
	defaultHousekeepingInterval = 250 * time.Millisecond
	defaultDeliveryTimeout      = time.Second
	defaultIntentBuffer         = 256
	defaultChatHistoryLimit     = 200
)

func (c SessionConfig) withDefaults() SessionConfig {
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = defaultHousekeepingInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.IntentBuffer <= 0 {
		c.IntentBuffer = defaultIntentBuffer
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = defaultChatHistoryLimit
	}
	return c
}

// SessionStats is a point-in-time summary for the debug surface.
type SessionStats struct {
	Project            domain.ProjectID `json:"project"`
	Participants       int              `json:"participants"`
	ActiveParticipants int              `json:"active_participants"`
	Locks              int              `json:"locks"`
	Sequence           uint64           `json:"sequence"`
	ChatMessages       int              `json:"chat_messages"`
}

// Session is the sole mutator of one project's shared state. All public
// methods are safe to call from any goroutine: they package the call as
// an intent and submit it to the session goroutine, which processes
// intents strictly one at a time.
type Session struct {
	project domain.ProjectID
	log     *slog.Logger
	cfg     SessionConfig

	censor    *moderation.Censor
	metrics   *observability.EngineMetrics
	permanent []contract.EventSink

	intents   chan intent
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	active atomic.Int64
	onIdle func(domain.ProjectID)

	// Everything below is owned by the session goroutine.
	broadcaster *Broadcaster
	presence    *PresenceTable
	locks       *LockTable
	sinks       map[string]contract.EventSink
	seq         uint64
	chat        []domain.ChatMessage
	clock       func() time.Time
}

func NewSession(project domain.ProjectID, log *slog.Logger, cfg SessionConfig,
	censor *moderation.Censor, metrics *observability.EngineMetrics,
	permanent []contract.EventSink, onIdle func(domain.ProjectID)) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		project:     project,
		log:         log.With("project", project),
		cfg:         cfg,
		censor:      censor,
		metrics:     metrics,
		permanent:   permanent,
		intents:     make(chan intent, cfg.IntentBuffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		onIdle:      onIdle,
		broadcaster: NewBroadcaster(log.With("project", project), cfg.DeliveryTimeout, metrics),
		presence:    NewPresenceTable(),
		locks:       NewLockTable(cfg.LockTTL),
		sinks:       make(map[string]contract.EventSink),
		clock:       time.Now,
	}
}

func (s *Session) Project() domain.ProjectID { return s.project }

// ActiveParticipants is readable from any goroutine; the registry uses it
// to decide whether a grace period ended with the session still empty.
func (s *Session) ActiveParticipants() int { return int(s.active.Load()) }

// Run is the session goroutine. It exits cleanly on context cancellation
// or Close; intent processing errors never terminate it.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.HousekeepingInterval)
	defer ticker.Stop()

	s.log.Info("Session started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Session stopped (context canceled)")
			return nil
		case <-s.closing:
			s.log.Info("Session stopped")
			return nil
		case it := <-s.intents:
			it.apply(s)
		case <-ticker.C:
			s.housekeep()
		}
	}
}

// Close stops the session goroutine. Pending intents are discarded;
// callers blocked on a reply get ErrSessionClosed semantics via their
// context.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called. The registry uses it to
// recognize a retired session still sitting in the map and replace it.
func (s *Session) Closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// submit enqueues an intent without ever blocking past the queue bound.
// A full queue is backpressure: the caller gets a retryable error instead
// of unbounded growth.
func (s *Session) submit(it intent) error {
	select {
	case <-s.closing:
		return errs.ErrSessionClosed
	default:
	}
	select {
	case s.intents <- it:
		return nil
	case <-s.closing:
		return errs.ErrSessionClosed
	default:
		s.metrics.IntentRejected()
		return errs.ErrSessionBusy
	}
}

// Join registers the participant and returns the full current state for
// initial sync. Rejoining with the same user id reactivates the existing
// entry and swaps its sink; it never duplicates.
func (s *Session) Join(ctx context.Context, userID, username string, sink contract.EventSink) (contract.Snapshot, error) {
	reply := make(chan contract.Snapshot, 1)
	if err := s.submit(joinIntent{userID: userID, username: username, sink: sink, reply: reply}); err != nil {
		return contract.Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return contract.Snapshot{}, ctx.Err()
	case <-s.done:
		return contract.Snapshot{}, errs.ErrSessionClosed
	}
}

// Leave marks the participant inactive immediately and releases all its
// locks. The entry itself survives until the inactivity window elapses so
// a quick reconnect keeps identity. Leaves carry the connection's sink:
// a late leave from a connection whose user already rejoined on a newer
// sink is ignored, so a lingering dead socket cannot kick the rejoined
// participant. A nil sink leaves unconditionally.
func (s *Session) Leave(ctx context.Context, userID string, sink contract.EventSink) error {
	return s.submit(leaveIntent{userID: userID, sink: sink})
}

// UpdateCursor is fire-and-forget: never retried, a newer position simply
// supersedes it. Under backpressure the update is dropped silently.
func (s *Session) UpdateCursor(ctx context.Context, userID string, x, y float64) error {
	err := s.submit(cursorIntent{userID: userID, x: x, y: y})
	if err == errs.ErrSessionBusy {
		s.metrics.CursorCoalesced()
		return nil
	}
	return err
}

func (s *Session) UpdateSelection(ctx context.Context, userID string, elements []string) error {
	return s.submit(selectionIntent{userID: userID, elements: elements})
}

// Lock grants an advisory TTL-bounded lock, or reports the current holder
// without blocking. The result is also delivered to the requester's sink
// so the reply keeps its wire position relative to broadcasts.
func (s *Session) Lock(ctx context.Context, userID, elementID string) (event.LockResult, error) {
	reply := make(chan event.LockResult, 1)
	if err := s.submit(lockIntent{userID: userID, elementID: elementID, reply: reply}); err != nil {
		return event.LockResult{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return event.LockResult{}, ctx.Err()
	case <-s.done:
		return event.LockResult{}, errs.ErrSessionClosed
	}
}

// Unlock releases only if userID is the holder; otherwise it is a no-op.
func (s *Session) Unlock(ctx context.Context, userID, elementID string) error {
	return s.submit(unlockIntent{userID: userID, elementID: elementID})
}

// ApplyMutation validates, sequences and broadcasts a design change.
// Moves and removals require the caller to hold the element's lock.
func (s *Session) ApplyMutation(ctx context.Context, userID, clientTag string, m domain.Mutation) error {
	reply := make(chan error, 1)
	if err := s.submit(mutationIntent{userID: userID, clientTag: clientTag, mutation: m, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errs.ErrSessionClosed
	}
}

// SendChat sequences a chat message into the same order space as
// mutations and broadcasts it to everyone, the sender's echo included.
func (s *Session) SendChat(ctx context.Context, userID, text string) error {
	reply := make(chan error, 1)
	if err := s.submit(chatIntent{userID: userID, text: text, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errs.ErrSessionClosed
	}
}

// Stats answers from the session goroutine so the numbers are consistent.
func (s *Session) Stats(ctx context.Context) (SessionStats, error) {
	reply := make(chan SessionStats, 1)
	if err := s.submit(statsIntent{reply: reply}); err != nil {
		return SessionStats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return SessionStats{}, ctx.Err()
	case <-s.done:
		return SessionStats{}, errs.ErrSessionClosed
	}
}

// --- intent processing (session goroutine only below this line) ---

type intent interface {
	apply(s *Session)
}

type joinIntent struct {
	userID   string
	username string
	sink     contract.EventSink
	reply    chan contract.Snapshot
}

func (it joinIntent) apply(s *Session) {
	now := s.clock()
	wasActive := s.presence.IsActive(it.userID)
	p, rejoined := s.presence.Join(it.userID, it.username, now)
	s.sinks[it.userID] = it.sink
	if !wasActive {
		s.active.Add(1)
		s.metrics.ParticipantJoined()
	}

	snap := contract.Snapshot{
		Participants: s.presence.List(),
		Locks:        s.locks.Snapshot(now),
		ChatHistory:  append([]domain.ChatMessage(nil), s.chat...),
	}
	it.reply <- snap

	s.broadcast(event.UserJoined{Project: s.project, Participant: p, Rejoined: rejoined})
	s.log.Info("Participant joined", "user_id", it.userID, "rejoined", rejoined)
}

type leaveIntent struct {
	userID string
	sink   contract.EventSink
}

func (it leaveIntent) apply(s *Session) {
	now := s.clock()
	if it.sink != nil && s.sinks[it.userID] != it.sink {
		// The user rejoined on a newer connection before this leave was
		// processed; the stale connection has nothing left to detach.
		return
	}
	if !s.presence.IsActive(it.userID) {
		delete(s.sinks, it.userID)
		return
	}
	s.presence.SetActive(it.userID, false, now)
	delete(s.sinks, it.userID)
	s.active.Add(-1)
	s.metrics.ParticipantLeft()

	// Locks go immediately, not after the grace period: a vanished holder
	// must not block others.
	for _, elementID := range s.locks.ReleaseAllHeldBy(it.userID) {
		s.broadcast(event.ElementUnlocked{Project: s.project, ElementID: elementID})
	}
	s.broadcast(event.UserLeft{Project: s.project, UserID: it.userID})
	s.log.Info("Participant left", "user_id", it.userID)

	s.notifyIfIdle()
}

type cursorIntent struct {
	userID string
	x, y   float64
}

func (it cursorIntent) apply(s *Session) {
	now := s.clock()
	if !s.presence.SetCursor(it.userID, domain.CursorPosition{X: it.x, Y: it.y}, now) {
		s.log.Debug("Cursor update from unknown participant dropped", "user_id", it.userID)
		return
	}
	s.broadcast(event.CursorMoved{Project: s.project, UserID: it.userID, X: it.x, Y: it.y})
}

type selectionIntent struct {
	userID   string
	elements []string
}

func (it selectionIntent) apply(s *Session) {
	now := s.clock()
	if !s.presence.SetSelection(it.userID, it.elements, now) {
		s.log.Debug("Selection update from unknown participant dropped", "user_id", it.userID)
		return
	}
	s.broadcast(event.SelectionChanged{Project: s.project, UserID: it.userID, Elements: it.elements})
}

type lockIntent struct {
	userID    string
	elementID string
	reply     chan event.LockResult
}

func (it lockIntent) apply(s *Session) {
	now := s.clock()
	res := event.LockResult{Project: s.project, ElementID: it.elementID}

	if !s.presence.IsActive(it.userID) {
		s.metrics.IntentRejected()
		it.reply <- res
		return
	}

	lock, granted := s.locks.Acquire(it.elementID, it.userID, now)
	res.Granted = granted
	res.HolderID = lock.HolderID
	res.ExpiresAt = lock.ExpiresAt
	it.reply <- res

	if granted {
		s.metrics.LockGranted()
		s.deliverTo(it.userID, res)
		s.broadcast(event.ElementLocked{
			Project:   s.project,
			ElementID: it.elementID,
			UserID:    it.userID,
			ExpiresAt: lock.ExpiresAt,
		})
	} else {
		s.metrics.LockDenied()
		s.deliverTo(it.userID, res)
		s.log.Debug("Lock denied",
			"element_id", it.elementID,
			"user_id", it.userID,
			"holder", lock.HolderID)
	}
}

type unlockIntent struct {
	userID    string
	elementID string
}

func (it unlockIntent) apply(s *Session) {
	now := s.clock()
	if s.locks.Release(it.elementID, it.userID, now) {
		s.broadcast(event.ElementUnlocked{Project: s.project, ElementID: it.elementID})
	}
}

type mutationIntent struct {
	userID    string
	clientTag string
	mutation  domain.Mutation
	reply     chan error
}

func (it mutationIntent) apply(s *Session) {
	now := s.clock()
	if !s.presence.IsActive(it.userID) {
		s.metrics.IntentRejected()
		it.reply <- errs.ErrNotParticipant
		return
	}
	if err := it.mutation.Validate(); err != nil {
		s.metrics.IntentRejected()
		s.log.Warn("Malformed mutation rejected", "user_id", it.userID, "error", err)
		it.reply <- errs.ErrInvalidIntent
		return
	}
	if elementID, required := it.mutation.LockedElement(); required {
		if !s.locks.HeldBy(elementID, it.userID, now) {
			s.metrics.IntentRejected()
			s.log.Warn("Mutation without lock rejected",
				"user_id", it.userID,
				"element_id", elementID,
				"kind", it.mutation.Kind)
			it.reply <- errs.ErrLockRequired
			return
		}
	}

	s.seq++
	it.reply <- nil
	s.broadcast(event.MutationApplied{
		Project:   s.project,
		Sequence:  s.seq,
		Origin:    it.userID,
		ClientTag: it.clientTag,
		Mutation:  it.mutation,
		At:        now,
	})
}

type chatIntent struct {
	userID string
	text   string
	reply  chan error
}

func (it chatIntent) apply(s *Session) {
	now := s.clock()
	p, ok := s.presence.Get(it.userID)
	if !ok || !p.Active {
		s.metrics.IntentRejected()
		it.reply <- errs.ErrNotParticipant
		return
	}

	text := it.text
	if s.censor != nil {
		text = s.censor.Censor(text)
	}

	s.seq++
	msg := domain.ChatMessage{
		ID:       uuid.New(),
		UserID:   it.userID,
		Username: p.Username,
		Text:     text,
		Sequence: s.seq,
		At:       now,
	}
	s.chat = append(s.chat, msg)
	if len(s.chat) > s.cfg.ChatHistoryLimit {
		s.chat = s.chat[len(s.chat)-s.cfg.ChatHistoryLimit:]
	}
	it.reply <- nil

	s.broadcast(event.ChatPosted{
		Project:  s.project,
		ID:       msg.ID,
		Sequence: msg.Sequence,
		UserID:   msg.UserID,
		Username: msg.Username,
		Text:     msg.Text,
		At:       msg.At,
	})
}

type statsIntent struct {
	reply chan SessionStats
}

func (it statsIntent) apply(s *Session) {
	now := s.clock()
	it.reply <- SessionStats{
		Project:            s.project,
		Participants:       len(s.presence.List()),
		ActiveParticipants: s.presence.ActiveCount(),
		Locks:              len(s.locks.Snapshot(now)),
		Sequence:           s.seq,
		ChatMessages:       len(s.chat),
	}
}

// broadcast fans out to every connected participant (origin included; the
// client reconciler suppresses echoes) plus the permanent sinks. Sinks
// that stay full past the delivery timeout belong to slow clients, which
// are dropped rather than allowed to stall the session.
func (s *Session) broadcast(evt event.Event) {
	failed := s.broadcaster.Broadcast(context.Background(), evt, s.sinks, s.permanent)
	for _, userID := range failed {
		s.metrics.SlowClientDisconnected()
		leaveIntent{userID: userID, sink: s.sinks[userID]}.apply(s)
	}
}

// deliverTo addresses one connection only (lock replies).
func (s *Session) deliverTo(userID string, evt event.Event) {
	sink, ok := s.sinks[userID]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
	defer cancel()
	if err := sink.Consume(ctx, evt); err != nil {
		s.metrics.SlowClientDisconnected()
		leaveIntent{userID: userID, sink: sink}.apply(s)
	}
}

// housekeep expires stale locks and prunes participants whose inactivity
// window elapsed. It never blocks other operations; it runs as one more
// turn of the session loop.
func (s *Session) housekeep() {
	now := s.clock()
	for _, elementID := range s.locks.SweepExpired(now) {
		s.log.Debug("Lock expired", "element_id", elementID)
		s.broadcast(event.ElementUnlocked{Project: s.project, ElementID: elementID})
	}
	cutoff := now.Add(-s.cfg.InactivityTimeout)
	for _, userID := range s.presence.PruneInactive(cutoff) {
		s.log.Info("Inactive participant pruned", "user_id", userID)
	}
}

func (s *Session) notifyIfIdle() {
	if s.active.Load() == 0 && s.onIdle != nil {
		s.onIdle(s.project)
	}
}
