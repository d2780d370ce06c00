// Package notify persists user notifications and pushes them to the owner's
// real-time room.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

type Store interface {
	CreateNotification(ctx context.Context, n core.Notification) (core.Notification, error)
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]core.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id int64) error
	DeleteNotification(ctx context.Context, userID, id int64) error
}

type Broadcaster interface {
	Broadcast(room string, ev core.Event)
}

type Emitter struct {
	store  Store
	bus    Broadcaster
	now    func() time.Time
	logger *slog.Logger
}

func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, now: time.Now, logger: logger}
}

func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.bus = b
	return e
}

func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// Emit stores n and, once stored, pushes it to the owner's user room. The
// caller decides whether a failure matters.
func (e *Emitter) Emit(ctx context.Context, n core.Notification) (core.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now().UTC()
	}
	saved, err := e.store.CreateNotification(ctx, n)
	if err != nil {
		return core.Notification{}, fmt.Errorf("emit %s to user %d: %w", n.Type, n.UserID, err)
	}
	if e.bus != nil {
		e.bus.Broadcast(core.UserRoom(saved.UserID), core.Event{
			Type:      core.EventNotification,
			Data:      saved,
			CreatedAt: saved.CreatedAt,
		})
	}
	return saved, nil
}

// EmitAll sends every notification, logging failures instead of returning them.
// It reports how many were stored.
func (e *Emitter) EmitAll(ctx context.Context, ns ...core.Notification) int {
	sent := 0
	for _, n := range ns {
		if _, err := e.Emit(ctx, n); err != nil {
			e.logger.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "err", err)
			continue
		}
		sent++
	}
	return sent
}

func (e *Emitter) List(ctx context.Context, actor core.Actor, unreadOnly bool) ([]core.Notification, error) {
	return e.store.ListNotifications(ctx, actor.UserID, unreadOnly)
}

func (e *Emitter) MarkRead(ctx context.Context, actor core.Actor, id int64) error {
	return e.store.MarkNotificationRead(ctx, actor.UserID, id)
}

func (e *Emitter) Delete(ctx context.Context, actor core.Actor, id int64) error {
	return e.store.DeleteNotification(ctx, actor.UserID, id)
}
