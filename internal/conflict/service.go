// Package conflict exposes reading and resolving recorded booking conflicts.
package conflict

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

type Store interface {
	GetConflict(ctx context.Context, id int64) (core.Conflict, error)
	ListConflicts(ctx context.Context, f core.ConflictFilter) ([]core.Conflict, error)
	ResolveConflict(ctx context.Context, id, actorID int64, notes string, now time.Time) (core.Conflict, error)
}

type Service struct {
	store          Store
	requireManager bool
	now            func() time.Time
	logger         *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: time.Now, logger: logger}
}

// RequireManager limits resolution to managers and admins. By default any
// authenticated user may resolve a conflict.
func (s *Service) RequireManager(on bool) *Service {
	s.requireManager = on
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Resolve marks a conflict resolved by actor. Resolving an already resolved
// conflict overwrites the notes, resolver and timestamp.
func (s *Service) Resolve(ctx context.Context, actor core.Actor, id int64, notes string) (core.Conflict, error) {
	if actor.UserID <= 0 {
		return core.Conflict{}, core.Forbidden("authenticated user required")
	}
	if s.requireManager && !actor.CanManage() {
		return core.Conflict{}, core.Forbidden("only managers and admins can resolve conflicts")
	}
	c, err := s.store.ResolveConflict(ctx, id, actor.UserID, strings.TrimSpace(notes), s.now().UTC())
	if err != nil {
		return core.Conflict{}, err
	}
	s.logger.Info("conflict resolved", "conflict_id", id, "environment_id", c.EnvironmentID, "actor", actor.UserID)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id int64) (core.Conflict, error) {
	return s.store.GetConflict(ctx, id)
}

func (s *Service) List(ctx context.Context, f core.ConflictFilter) ([]core.Conflict, error) {
	if f.ResolutionStatus != "" && f.ResolutionStatus != core.Unresolved && f.ResolutionStatus != core.Resolved {
		return nil, core.Invalid("status", "must be unresolved or resolved")
	}
	return s.store.ListConflicts(ctx, f)
}
