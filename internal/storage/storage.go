package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

// CreateResult is the outcome of inserting a booking and checking it for
// overlaps inside the same transaction.
type CreateResult struct {
	Booking     core.Booking
	Overlapping []core.Booking
	// Conflicts holds the rows actually inserted; pairs that already had a
	// conflict are not repeated here.
	Conflicts []core.Conflict
}

// Transition is a booking whose status changed together with the environment
// state after any occupancy adjustment.
type Transition struct {
	From        core.BookingStatus
	Booking     core.Booking
	Environment core.Environment
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b core.Booking) (CreateResult, error)
	GetBooking(ctx context.Context, id int64) (core.Booking, error)
	ListBookings(ctx context.Context, f core.BookingFilter) ([]core.Booking, error)
	FindOverlapping(ctx context.Context, envID int64, start, end time.Time, statuses []core.BookingStatus, excludeID int64) ([]core.Booking, error)
	UpdateBookingStatus(ctx context.Context, id int64, to core.BookingStatus, now time.Time) (Transition, error)
	SoftDeleteBooking(ctx context.Context, id int64, now time.Time) error
}

type ConflictStore interface {
	InsertConflict(ctx context.Context, c core.Conflict) (core.Conflict, bool, error)
	GetConflict(ctx context.Context, id int64) (core.Conflict, error)
	ListConflicts(ctx context.Context, f core.ConflictFilter) ([]core.Conflict, error)
	ResolveConflict(ctx context.Context, id, actorID int64, notes string, now time.Time) (core.Conflict, error)
}

type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error)
	GetEnvironment(ctx context.Context, id int64) (core.Environment, error)
	ListEnvironments(ctx context.Context) ([]core.Environment, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n core.Notification) (core.Notification, error)
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]core.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id int64) error
	DeleteNotification(ctx context.Context, userID, id int64) error
	HasRecentNotification(ctx context.Context, typ core.NotificationType, link string, since time.Time) (bool, error)
}

type UserStore interface {
	UpsertUser(ctx context.Context, u core.User) (core.User, error)
	GetUser(ctx context.Context, id int64) (core.User, error)
	ListUsersByRole(ctx context.Context, roles ...core.Role) ([]core.User, error)
}

// SweepStore is the set of bulk operations the periodic reconciler runs.
type SweepStore interface {
	SweepConflicts(ctx context.Context, now time.Time) ([]core.Conflict, error)
	ActivateDue(ctx context.Context, now time.Time) ([]Transition, error)
	CompleteDue(ctx context.Context, now time.Time) ([]Transition, error)
	DueReminders(ctx context.Context, now time.Time, window time.Duration) ([]core.Booking, error)
}

type Store interface {
	BookingStore
	ConflictStore
	EnvironmentStore
	NotificationStore
	UserStore
	SweepStore
}
