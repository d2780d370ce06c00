package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/metrics"
	"github.com/mistakeknot/envbook/internal/storage"
)

const (
	TaskConflictSweep = "conflict-sweep"
	TaskStatusSweep   = "status-sweep"
	TaskReminderSweep = "reminder-sweep"
)

type Store interface {
	storage.SweepStore
	HasRecentNotification(ctx context.Context, typ core.NotificationType, link string, since time.Time) (bool, error)
}

type Notifier interface {
	Emit(ctx context.Context, n core.Notification) (core.Notification, error)
}

type Broadcaster interface {
	Broadcast(room string, ev core.Event)
}

// Intervals configures how often each sweep runs and the reminder windows.
type Intervals struct {
	Conflict       time.Duration
	Status         time.Duration
	Reminder       time.Duration
	ReminderWindow time.Duration
	ReminderDedupe time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Conflict:       5 * time.Minute,
		Status:         time.Minute,
		Reminder:       5 * time.Minute,
		ReminderWindow: 30 * time.Minute,
		ReminderDedupe: time.Hour,
	}
}

// Sweeps implements the three periodic reconciliation passes.
type Sweeps struct {
	store     Store
	notify    Notifier
	bus       Broadcaster
	logger    *slog.Logger
	metrics   *metrics.Metrics
	intervals Intervals
}

func NewSweeps(store Store, intervals Intervals, logger *slog.Logger) *Sweeps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeps{store: store, intervals: intervals, logger: logger}
}

func (sw *Sweeps) WithNotifier(n Notifier) *Sweeps {
	sw.notify = n
	return sw
}

func (sw *Sweeps) WithBroadcaster(b Broadcaster) *Sweeps {
	sw.bus = b
	return sw
}

func (sw *Sweeps) WithMetrics(m *metrics.Metrics) *Sweeps {
	sw.metrics = m
	return sw
}

// Tasks returns the sweeps ready to register on a Scheduler.
func (sw *Sweeps) Tasks() []Task {
	return []Task{
		{Name: TaskConflictSweep, Interval: sw.intervals.Conflict, Run: sw.Conflicts},
		{Name: TaskStatusSweep, Interval: sw.intervals.Status, Run: sw.Statuses},
		{Name: TaskReminderSweep, Interval: sw.intervals.Reminder, Run: sw.Reminders},
	}
}

// Register adds every sweep to s.
func (sw *Sweeps) Register(s *Scheduler) error {
	for _, t := range sw.Tasks() {
		if err := s.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// BookingChange is the payload of booking_started and booking_completed events.
type BookingChange struct {
	Booking     core.Booking     `json:"booking"`
	Environment core.Environment `json:"environment"`
}

// Conflicts records overlaps between approved or active bookings that have no
// conflict row yet.
func (sw *Sweeps) Conflicts(ctx context.Context, now time.Time) (int, error) {
	found, err := sw.store.SweepConflicts(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep conflicts: %w", err)
	}
	sw.metrics.ConflictsDetected("sweep", len(found))
	for _, c := range found {
		sw.broadcast(c.EnvironmentID, core.EventConflictDetected, c, now)
	}
	return len(found), nil
}

// Statuses starts approved bookings whose window has begun and completes
// active bookings whose window has ended.
func (sw *Sweeps) Statuses(ctx context.Context, now time.Time) (int, error) {
	started, err := sw.store.ActivateDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("activate due: %w", err)
	}
	for _, tr := range started {
		sw.metrics.StatusChanged(string(tr.From), string(tr.Booking.Status))
		sw.broadcast(tr.Booking.EnvironmentID, core.EventBookingStarted, BookingChange{tr.Booking, tr.Environment}, now)
	}

	completed, err := sw.store.CompleteDue(ctx, now)
	if err != nil {
		return len(started), fmt.Errorf("complete due: %w", err)
	}
	for _, tr := range completed {
		sw.metrics.StatusChanged(string(tr.From), string(tr.Booking.Status))
		sw.broadcast(tr.Booking.EnvironmentID, core.EventBookingCompleted, BookingChange{tr.Booking, tr.Environment}, now)
	}
	return len(started) + len(completed), nil
}

// Reminders notifies owners of approved bookings starting soon, at most once
// per booking within the dedupe window.
func (sw *Sweeps) Reminders(ctx context.Context, now time.Time) (int, error) {
	if sw.notify == nil {
		return 0, nil
	}
	due, err := sw.store.DueReminders(ctx, now, sw.intervals.ReminderWindow)
	if err != nil {
		return 0, fmt.Errorf("due reminders: %w", err)
	}
	sent := 0
	for _, b := range due {
		recent, err := sw.store.HasRecentNotification(ctx, core.NotificationBookingReminder, b.Link(), now.Add(-sw.intervals.ReminderDedupe))
		if err != nil {
			return sent, fmt.Errorf("reminder dedupe: %w", err)
		}
		if recent {
			continue
		}
		_, err = sw.notify.Emit(ctx, core.Notification{
			UserID:    b.UserID,
			Type:      core.NotificationBookingReminder,
			Title:     "Upcoming Booking Reminder",
			Message:   fmt.Sprintf("Your booking #%d for %s starts at %s UTC.", b.ID, b.ProjectName, b.StartTime.UTC().Format("15:04")),
			Link:      b.Link(),
			Priority:  b.Priority,
			CreatedAt: now,
		})
		if err != nil {
			sw.logger.Warn("reminder failed", "booking_id", b.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (sw *Sweeps) broadcast(envID int64, typ core.EventType, data any, now time.Time) {
	if sw.bus == nil {
		return
	}
	sw.bus.Broadcast(core.EnvironmentRoom(envID), core.Event{Type: typ, Data: data, CreatedAt: now})
}
