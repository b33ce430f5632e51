package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"roomlab/contract"
	"roomlab/domain"
	"roomlab/moderation"
	"roomlab/observability"
)

const defaultTeardownGrace = 30 * time.Second

// Registry is the process-wide map from project id to its running
// session. It is the single structure touched by many goroutines, so
// creation goes through one mutex: exactly one session per live project
// id, never two.
//
// A session whose last active participant left is not torn down
// immediately; a grace period tolerates quick reconnects. Teardown is
// cancelled by any join during the grace window and re-checked when the
// timer fires.
type Registry struct {
	log       *slog.Logger
	cfg       SessionConfig
	grace     time.Duration
	censor    *moderation.Censor
	metrics   *observability.EngineMetrics
	permanent []contract.EventSink
	sup       contract.ISupervisor

	mu        sync.Mutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	sessions  map[domain.ProjectID]*Session
	teardowns map[domain.ProjectID]*time.Timer
}

func NewRegistry(log *slog.Logger, sup contract.ISupervisor, cfg SessionConfig,
	grace time.Duration, censor *moderation.Censor,
	metrics *observability.EngineMetrics, permanent []contract.EventSink) *Registry {
	if grace <= 0 {
		grace = defaultTeardownGrace
	}
	return &Registry{
		log:       log,
		cfg:       cfg,
		grace:     grace,
		censor:    censor,
		metrics:   metrics,
		permanent: permanent,
		sup:       sup,
		sessions:  make(map[domain.ProjectID]*Session),
		teardowns: make(map[domain.ProjectID]*time.Timer),
	}
}

// Start fixes the lifetime context for all session goroutines. Sessions
// created before Start fall back to the background context.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseCtx, r.cancel = context.WithCancel(ctx)
}

// GetOrCreate returns the project's running session, creating and
// supervising one on first join. Any pending teardown for the project is
// cancelled: the newcomer arrived inside the grace window.
func (r *Registry) GetOrCreate(project domain.ProjectID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.teardowns[project]; ok {
		timer.Stop()
		delete(r.teardowns, project)
	}
	if s, ok := r.sessions[project]; ok {
		if !s.Closed() {
			return s
		}
		// A fired teardown closed it after handing it to a caller; a
		// fresh session takes the slot so retried joins succeed.
		delete(r.sessions, project)
		r.metrics.SessionClosed()
	}

	s := NewSession(project, r.log, r.cfg, r.censor, r.metrics, r.permanent, r.sessionIdle)
	r.sessions[project] = s
	r.metrics.SessionOpened()

	ctx := r.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r.sup.Start(ctx, s)
	r.log.Info("Session created", "project", project)
	return s
}

// Get returns the running session, if any. Intents other than Join never
// create sessions.
func (r *Registry) Get(project domain.ProjectID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[project]
	return s, ok
}

// Sessions lists running sessions ordered by project id (debug surface).
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project() < out[j].Project() })
	return out
}

// sessionIdle is called from a session goroutine when its active
// participant count reaches zero. It only schedules; the decision is
// re-checked when the grace period elapses.
func (r *Registry) sessionIdle(project domain.ProjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[project]; !ok {
		return
	}
	if timer, ok := r.teardowns[project]; ok {
		timer.Stop()
	}
	r.teardowns[project] = time.AfterFunc(r.grace, func() { r.tearDown(project) })
	r.log.Debug("Session empty, teardown scheduled", "project", project, "grace", r.grace)
}

func (r *Registry) tearDown(project domain.ProjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.teardowns, project)
	s, ok := r.sessions[project]
	if !ok {
		return
	}
	if s.ActiveParticipants() > 0 {
		// Someone rejoined between the timer firing and this check.
		return
	}
	delete(r.sessions, project)
	s.Close()
	r.metrics.SessionClosed()
	r.log.Info("Session torn down", "project", project)
}

// Close stops every session and cancels the registry context.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[domain.ProjectID]*Session)
	for project, timer := range r.teardowns {
		timer.Stop()
		delete(r.teardowns, project)
	}
	cancel := r.cancel
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if cancel != nil {
		cancel()
	}
}
