// Package booking implements the request-driven booking lifecycle: creation
// with synchronous conflict detection, status changes and deletion.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/interval"
	"github.com/mistakeknot/envbook/internal/metrics"
	"github.com/mistakeknot/envbook/internal/storage"
)

type Store interface {
	storage.BookingStore
	ListUsersByRole(ctx context.Context, roles ...core.Role) ([]core.User, error)
}

// Notifier delivers notifications on a best-effort basis.
type Notifier interface {
	EmitAll(ctx context.Context, ns ...core.Notification) int
}

type Broadcaster interface {
	Broadcast(room string, ev core.Event)
}

type Service struct {
	store   Store
	notify  Notifier
	bus     Broadcaster
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, now: time.Now, logger: logger}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

type CreateInput struct {
	EnvironmentID int64         `json:"environment_id"`
	ReleaseID     *int64        `json:"release_id,omitempty"`
	ProjectName   string        `json:"project_name"`
	Purpose       string        `json:"purpose,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Priority      core.Priority `json:"priority,omitempty"`
}

func (in CreateInput) validate() error {
	switch {
	case in.EnvironmentID <= 0:
		return core.Invalid("environment_id", "required")
	case strings.TrimSpace(in.ProjectName) == "":
		return core.Invalid("project_name", "required")
	case in.StartTime.IsZero() || in.EndTime.IsZero():
		return core.Invalid("start_time", "start_time and end_time are required")
	case !interval.Valid(in.StartTime, in.EndTime):
		return core.Invalid("end_time", "must be after start_time")
	case in.Priority != "" && !in.Priority.Valid():
		return core.Invalid("priority", "unknown priority")
	}
	return nil
}

type CreateResult struct {
	Booking           core.Booking
	ConflictsDetected bool
	// Overlapping are the existing bookings the new one collides with.
	Overlapping []core.Booking
	Conflicts   []core.Conflict
}

// Create stores a pending booking and records a conflict for every overlapping
// approved, active or pending booking in the same environment. Conflicts never
// block creation.
func (s *Service) Create(ctx context.Context, actor core.Actor, in CreateInput) (CreateResult, error) {
	if actor.UserID <= 0 {
		return CreateResult{}, core.Forbidden("authenticated user required")
	}
	if err := in.validate(); err != nil {
		return CreateResult{}, err
	}
	res, err := s.store.CreateBooking(ctx, core.Booking{
		EnvironmentID: in.EnvironmentID,
		UserID:        actor.UserID,
		ReleaseID:     in.ReleaseID,
		ProjectName:   strings.TrimSpace(in.ProjectName),
		Purpose:       in.Purpose,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
		Priority:      in.Priority,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return CreateResult{}, err
	}
	b := res.Booking
	s.metrics.BookingCreated(string(b.Priority))
	s.metrics.ConflictsDetected("create", len(res.Conflicts))
	s.logger.Info("booking created",
		"booking_id", b.ID, "environment_id", b.EnvironmentID, "conflicts", len(res.Conflicts))

	s.announceConflicts(b, res.Conflicts)
	s.notifyCreated(ctx, b, res.Overlapping)

	return CreateResult{
		Booking:           b,
		ConflictsDetected: len(res.Overlapping) > 0,
		Overlapping:       res.Overlapping,
		Conflicts:         res.Conflicts,
	}, nil
}

func (s *Service) announceConflicts(b core.Booking, conflicts []core.Conflict) {
	if s.bus == nil {
		return
	}
	for _, c := range conflicts {
		s.bus.Broadcast(core.EnvironmentRoom(b.EnvironmentID), core.Event{
			Type:      core.EventConflictDetected,
			Data:      c,
			CreatedAt: c.DetectedAt,
		})
	}
}

func (s *Service) notifyCreated(ctx context.Context, b core.Booking, overlapping []core.Booking) {
	if s.notify == nil {
		return
	}
	priority := core.PriorityMedium
	if core.SeverityFor(b.Priority) == core.SeverityHigh {
		priority = core.PriorityHigh
	}
	var out []core.Notification
	for _, other := range overlapping {
		out = append(out, core.Notification{
			UserID:   other.UserID,
			Type:     core.NotificationConflictAlert,
			Title:    "Booking Conflict Detected",
			Message:  fmt.Sprintf("A new booking for %s (%s) overlaps your booking #%d.", b.ProjectName, windowText(b), other.ID),
			Link:     other.Link(),
			Priority: priority,
		})
	}

	approvers, err := s.store.ListUsersByRole(ctx, core.RoleManager, core.RoleAdmin)
	if err != nil {
		s.logger.Warn("list approvers failed", "booking_id", b.ID, "err", err)
	}
	for _, u := range approvers {
		out = append(out, core.Notification{
			UserID:   u.ID,
			Type:     core.NotificationApprovalRequest,
			Title:    "Booking Approval Required",
			Message:  fmt.Sprintf("Booking #%d for %s (%s) is waiting for approval.", b.ID, b.ProjectName, windowText(b)),
			Link:     b.Link(),
			Priority: b.Priority,
		})
	}
	s.notify.EmitAll(ctx, out...)
}

// UpdateStatus moves a booking to one of the manually settable statuses.
func (s *Service) UpdateStatus(ctx context.Context, actor core.Actor, id int64, to core.BookingStatus, notes string) (core.Booking, error) {
	if !manual(to) {
		return core.Booking{}, core.Invalid("status", fmt.Sprintf("must be one of %s", joinStatuses(core.ManualStatuses)))
	}
	if !actor.CanManage() {
		return core.Booking{}, core.Forbidden("only managers and admins can change booking status")
	}
	tr, err := s.store.UpdateBookingStatus(ctx, id, to, s.now().UTC())
	if err != nil {
		return core.Booking{}, err
	}
	b := tr.Booking
	s.metrics.StatusChanged(string(tr.From), string(b.Status))
	s.logger.Info("booking status changed",
		"booking_id", b.ID, "environment_id", b.EnvironmentID, "from", tr.From, "to", b.Status, "actor", actor.UserID)

	if s.bus != nil {
		s.bus.Broadcast(core.EnvironmentRoom(b.EnvironmentID), core.Event{
			Type: core.EventBookingStatusChanged,
			Data: StatusChange{From: tr.From, Booking: b, Environment: tr.Environment, Notes: notes},
		})
	}
	if s.notify != nil {
		msg := fmt.Sprintf("Your booking #%d for %s is now %s.", b.ID, b.ProjectName, b.Status)
		if notes = strings.TrimSpace(notes); notes != "" {
			msg += " Notes: " + notes
		}
		s.notify.EmitAll(ctx, core.Notification{
			UserID:   b.UserID,
			Type:     core.NotificationBookingStatus,
			Title:    "Booking " + statusTitle(b.Status),
			Message:  msg,
			Link:     b.Link(),
			Priority: b.Priority,
		})
	}
	return b, nil
}

// StatusChange is the payload of booking_status_changed events.
type StatusChange struct {
	From        core.BookingStatus `json:"from"`
	Booking     core.Booking       `json:"booking"`
	Environment core.Environment   `json:"environment"`
	Notes       string             `json:"notes,omitempty"`
}

// Delete soft-deletes a booking. Owners and managers may delete; active
// bookings cannot be deleted.
func (s *Service) Delete(ctx context.Context, actor core.Actor, id int64) error {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return err
	}
	if actor.UserID != b.UserID && !actor.CanManage() {
		return core.Forbidden("only the owner or a manager can delete this booking")
	}
	if b.Status == core.BookingActive {
		return core.StateConflict("Cannot delete an active booking")
	}
	if err := s.store.SoftDeleteBooking(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("booking deleted", "booking_id", id, "environment_id", b.EnvironmentID, "actor", actor.UserID)
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (core.Booking, error) {
	return s.store.GetBooking(ctx, id)
}

func (s *Service) List(ctx context.Context, f core.BookingFilter) ([]core.Booking, error) {
	return s.store.ListBookings(ctx, f)
}

func manual(to core.BookingStatus) bool {
	for _, st := range core.ManualStatuses {
		if st == to {
			return true
		}
	}
	return false
}

func joinStatuses(sts []core.BookingStatus) string {
	parts := make([]string, len(sts))
	for i, st := range sts {
		parts[i] = string(st)
	}
	return strings.Join(parts, ", ")
}

func statusTitle(st core.BookingStatus) string {
	s := string(st)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func windowText(b core.Booking) string {
	const layout = "2006-01-02 15:04"
	return b.StartTime.UTC().Format(layout) + " to " + b.EndTime.UTC().Format(layout) + " UTC"
}
