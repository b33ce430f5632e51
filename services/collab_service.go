// Package services exposes the collaboration engine to transports as a
// thin facade: the gateway never touches the registry or sessions
// directly.
package services

import (
	"context"
	"errors"

	"roomlab/contract"
	"roomlab/domain"
	"roomlab/engine"
	errs "roomlab/errors"
)

// ProjectGate pre-validates project ids before a join creates a session.
// The surrounding product validates projects upstream; the gate is the
// engine-side check that an unknown id never spawns state.
type ProjectGate func(project domain.ProjectID) bool

// AllowAllProjects accepts any project id (single-tenant deployments).
func AllowAllProjects(domain.ProjectID) bool { return true }

// AllowListedProjects accepts only the given ids.
func AllowListedProjects(projects []string) ProjectGate {
	allowed := make(map[domain.ProjectID]struct{}, len(projects))
	for _, p := range projects {
		allowed[domain.ProjectID(p)] = struct{}{}
	}
	return func(project domain.ProjectID) bool {
		_, ok := allowed[project]
		return ok
	}
}

type CollabService struct {
	registry *engine.Registry
	gate     ProjectGate
}

func NewCollabService(registry *engine.Registry, gate ProjectGate) *CollabService {
	if gate == nil {
		gate = AllowAllProjects
	}
	return &CollabService{registry: registry, gate: gate}
}

// Join attaches a connection to the project's session, creating the
// session on first join. Unknown projects are rejected before any state
// exists.
func (s *CollabService) Join(ctx context.Context, project domain.ProjectID, userID, username string, sink contract.EventSink) (contract.Snapshot, error) {
	if !s.gate(project) {
		return contract.Snapshot{}, errs.ErrUnknownProject
	}
	snap, err := s.registry.GetOrCreate(project).Join(ctx, userID, username, sink)
	if errors.Is(err, errs.ErrSessionClosed) {
		// Grace-period teardown won the race against this join and closed
		// the session underneath it. The registry replaces closed
		// sessions, so a second attempt lands in a fresh one.
		snap, err = s.registry.GetOrCreate(project).Join(ctx, userID, username, sink)
	}
	return snap, err
}

// Leave detaches one connection. The sink identifies which connection is
// leaving; a stale leave from a connection the user already replaced is a
// no-op inside the session.
func (s *CollabService) Leave(ctx context.Context, project domain.ProjectID, userID string, sink contract.EventSink) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.Leave(ctx, userID, sink)
}

func (s *CollabService) UpdateCursor(ctx context.Context, project domain.ProjectID, userID string, x, y float64) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.UpdateCursor(ctx, userID, x, y)
}

func (s *CollabService) UpdateSelection(ctx context.Context, project domain.ProjectID, userID string, elements []string) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.UpdateSelection(ctx, userID, elements)
}

func (s *CollabService) Lock(ctx context.Context, project domain.ProjectID, userID, elementID string) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	_, err := session.Lock(ctx, userID, elementID)
	return err
}

func (s *CollabService) Unlock(ctx context.Context, project domain.ProjectID, userID, elementID string) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.Unlock(ctx, userID, elementID)
}

func (s *CollabService) ApplyMutation(ctx context.Context, project domain.ProjectID, userID, clientTag string, m domain.Mutation) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.ApplyMutation(ctx, userID, clientTag, m)
}

func (s *CollabService) SendChat(ctx context.Context, project domain.ProjectID, userID, text string) error {
	session, ok := s.registry.Get(project)
	if !ok {
		return errs.ErrSessionNotFound
	}
	return session.SendChat(ctx, userID, text)
}
