package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock.
// Infrastructure failures that survive both come back as *core.TransientError;
// domain errors (validation, not-found, state conflicts) pass through untouched
// and never count against the breaker.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb.CountOnly(isInfraError)}
}

func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) Ping(ctx context.Context) error {
	return guard(r, ctx, "ping", func() error { return r.inner.Ping(ctx) })
}

func (r *ResilientStore) Close() error { return r.inner.Close() }

func isInfraError(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *core.ValidationError
		ae *core.AuthorizationError
		ce *core.ConflictError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ae), errors.As(err, &ce):
		return false
	case errors.Is(err, core.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func guard(r *ResilientStore, ctx context.Context, op string, fn func() error) error {
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
	if isInfraError(err) && !errors.Is(err, context.DeadlineExceeded) {
		return &core.TransientError{Op: op, Err: err}
	}
	return err
}

func call[T any](r *ResilientStore, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var result T
	err := guard(r, ctx, op, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

// ---------------------------------------------------------------------------
// Bookings
// ---------------------------------------------------------------------------

func (r *ResilientStore) CreateBooking(ctx context.Context, b core.Booking) (storage.CreateResult, error) {
	return call(r, ctx, "create booking", func() (storage.CreateResult, error) {
		return r.inner.CreateBooking(ctx, b)
	})
}

func (r *ResilientStore) GetBooking(ctx context.Context, id int64) (core.Booking, error) {
	return call(r, ctx, "get booking", func() (core.Booking, error) {
		return r.inner.GetBooking(ctx, id)
	})
}

func (r *ResilientStore) ListBookings(ctx context.Context, f core.BookingFilter) ([]core.Booking, error) {
	return call(r, ctx, "list bookings", func() ([]core.Booking, error) {
		return r.inner.ListBookings(ctx, f)
	})
}

func (r *ResilientStore) FindOverlapping(ctx context.Context, envID int64, start, end time.Time, statuses []core.BookingStatus, excludeID int64) ([]core.Booking, error) {
	return call(r, ctx, "find overlapping", func() ([]core.Booking, error) {
		return r.inner.FindOverlapping(ctx, envID, start, end, statuses, excludeID)
	})
}

func (r *ResilientStore) UpdateBookingStatus(ctx context.Context, id int64, to core.BookingStatus, now time.Time) (storage.Transition, error) {
	return call(r, ctx, "update booking status", func() (storage.Transition, error) {
		return r.inner.UpdateBookingStatus(ctx, id, to, now)
	})
}

func (r *ResilientStore) SoftDeleteBooking(ctx context.Context, id int64, now time.Time) error {
	return guard(r, ctx, "delete booking", func() error {
		return r.inner.SoftDeleteBooking(ctx, id, now)
	})
}

// ---------------------------------------------------------------------------
// Conflicts
// ---------------------------------------------------------------------------

func (r *ResilientStore) InsertConflict(ctx context.Context, c core.Conflict) (core.Conflict, bool, error) {
	var inserted bool
	out, err := call(r, ctx, "insert conflict", func() (core.Conflict, error) {
		res, ok, innerErr := r.inner.InsertConflict(ctx, c)
		inserted = ok
		return res, innerErr
	})
	return out, inserted, err
}

func (r *ResilientStore) GetConflict(ctx context.Context, id int64) (core.Conflict, error) {
	return call(r, ctx, "get conflict", func() (core.Conflict, error) {
		return r.inner.GetConflict(ctx, id)
	})
}

func (r *ResilientStore) ListConflicts(ctx context.Context, f core.ConflictFilter) ([]core.Conflict, error) {
	return call(r, ctx, "list conflicts", func() ([]core.Conflict, error) {
		return r.inner.ListConflicts(ctx, f)
	})
}

func (r *ResilientStore) ResolveConflict(ctx context.Context, id, actorID int64, notes string, now time.Time) (core.Conflict, error) {
	return call(r, ctx, "resolve conflict", func() (core.Conflict, error) {
		return r.inner.ResolveConflict(ctx, id, actorID, notes, now)
	})
}

// ---------------------------------------------------------------------------
// Environments
// ---------------------------------------------------------------------------

func (r *ResilientStore) CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error) {
	return call(r, ctx, "create environment", func() (core.Environment, error) {
		return r.inner.CreateEnvironment(ctx, env)
	})
}

func (r *ResilientStore) GetEnvironment(ctx context.Context, id int64) (core.Environment, error) {
	return call(r, ctx, "get environment", func() (core.Environment, error) {
		return r.inner.GetEnvironment(ctx, id)
	})
}

func (r *ResilientStore) ListEnvironments(ctx context.Context) ([]core.Environment, error) {
	return call(r, ctx, "list environments", func() ([]core.Environment, error) {
		return r.inner.ListEnvironments(ctx)
	})
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (r *ResilientStore) CreateNotification(ctx context.Context, n core.Notification) (core.Notification, error) {
	return call(r, ctx, "create notification", func() (core.Notification, error) {
		return r.inner.CreateNotification(ctx, n)
	})
}

func (r *ResilientStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]core.Notification, error) {
	return call(r, ctx, "list notifications", func() ([]core.Notification, error) {
		return r.inner.ListNotifications(ctx, userID, unreadOnly)
	})
}

func (r *ResilientStore) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	return guard(r, ctx, "mark notification read", func() error {
		return r.inner.MarkNotificationRead(ctx, userID, id)
	})
}

func (r *ResilientStore) DeleteNotification(ctx context.Context, userID, id int64) error {
	return guard(r, ctx, "delete notification", func() error {
		return r.inner.DeleteNotification(ctx, userID, id)
	})
}

func (r *ResilientStore) HasRecentNotification(ctx context.Context, typ core.NotificationType, link string, since time.Time) (bool, error) {
	return call(r, ctx, "recent notification", func() (bool, error) {
		return r.inner.HasRecentNotification(ctx, typ, link, since)
	})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (r *ResilientStore) UpsertUser(ctx context.Context, u core.User) (core.User, error) {
	return call(r, ctx, "upsert user", func() (core.User, error) {
		return r.inner.UpsertUser(ctx, u)
	})
}

func (r *ResilientStore) GetUser(ctx context.Context, id int64) (core.User, error) {
	return call(r, ctx, "get user", func() (core.User, error) {
		return r.inner.GetUser(ctx, id)
	})
}

func (r *ResilientStore) ListUsersByRole(ctx context.Context, roles ...core.Role) ([]core.User, error) {
	return call(r, ctx, "list users", func() ([]core.User, error) {
		return r.inner.ListUsersByRole(ctx, roles...)
	})
}

// ---------------------------------------------------------------------------
// Sweeps
// ---------------------------------------------------------------------------

func (r *ResilientStore) SweepConflicts(ctx context.Context, now time.Time) ([]core.Conflict, error) {
	return call(r, ctx, "sweep conflicts", func() ([]core.Conflict, error) {
		return r.inner.SweepConflicts(ctx, now)
	})
}

func (r *ResilientStore) ActivateDue(ctx context.Context, now time.Time) ([]storage.Transition, error) {
	return call(r, ctx, "activate due", func() ([]storage.Transition, error) {
		return r.inner.ActivateDue(ctx, now)
	})
}

func (r *ResilientStore) CompleteDue(ctx context.Context, now time.Time) ([]storage.Transition, error) {
	return call(r, ctx, "complete due", func() ([]storage.Transition, error) {
		return r.inner.CompleteDue(ctx, now)
	})
}

func (r *ResilientStore) DueReminders(ctx context.Context, now time.Time, window time.Duration) ([]core.Booking, error) {
	return call(r, ctx, "due reminders", func() ([]core.Booking, error) {
		return r.inner.DueReminders(ctx, now, window)
	})
}
