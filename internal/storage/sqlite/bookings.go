package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/interval"
	"github.com/mistakeknot/envbook/internal/storage"
)

const bookingColumns = `id, environment_id, user_id, release_id, project_name, purpose, start_time, end_time,
	priority, status, actual_start_time, actual_end_time, created_at, updated_at, deleted_at`

// bookingColumnsOf qualifies bookingColumns with a table alias.
func bookingColumnsOf(alias string) string {
	cols := strings.Split(bookingColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// CreateBooking inserts b as pending and records a conflict against every
// overlapping approved, active or pending booking in the same environment.
// Both steps share one transaction.
func (s *Store) CreateBooking(ctx context.Context, b core.Booking) (storage.CreateResult, error) {
	if !interval.Valid(b.StartTime, b.EndTime) {
		return storage.CreateResult{}, core.Invalid("end_time", "must be after start_time")
	}
	if b.Priority == "" {
		b.Priority = core.PriorityMedium
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt
	b.Status = core.BookingPending

	var result storage.CreateResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getEnvironment(ctx, tx, b.EnvironmentID); err != nil {
			return err
		}
		var releaseID sql.NullInt64
		if b.ReleaseID != nil {
			releaseID = sql.NullInt64{Int64: *b.ReleaseID, Valid: true}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO bookings (environment_id, user_id, release_id, project_name, purpose, start_time, end_time,
			   priority, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.EnvironmentID, b.UserID, releaseID, b.ProjectName, b.Purpose,
			formatTime(b.StartTime), formatTime(b.EndTime), string(b.Priority), string(b.Status),
			formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("booking id: %w", err)
		}
		result.Booking = b

		overlapping, err := findOverlapping(ctx, tx, b.EnvironmentID, b.StartTime, b.EndTime, core.DetectStatuses, b.ID)
		if err != nil {
			return err
		}
		result.Overlapping = overlapping

		severity := core.SeverityFor(b.Priority)
		for _, other := range overlapping {
			c := core.NewConflictPair(b.ID, other.ID, b.EnvironmentID, severity)
			c.DetectedAt = b.CreatedAt
			inserted, ok, err := insertConflict(ctx, tx, c)
			if err != nil {
				return err
			}
			if ok {
				result.Conflicts = append(result.Conflicts, inserted)
			}
		}
		return nil
	})
	if err != nil {
		return storage.CreateResult{}, err
	}
	return result, nil
}

func (s *Store) GetBooking(ctx context.Context, id int64) (core.Booking, error) {
	return getBooking(ctx, s.db, id)
}

func (s *Store) ListBookings(ctx context.Context, f core.BookingFilter) ([]core.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE deleted_at IS NULL`
	var args []any
	if f.EnvironmentID != 0 {
		query += " AND environment_id = ?"
		args = append(args, f.EnvironmentID)
	}
	if f.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.From.IsZero() {
		query += " AND end_time > ?"
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += " AND start_time < ?"
		args = append(args, formatTime(f.To))
	}
	query += " ORDER BY start_time ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryBookings(ctx, s.db, query, args...)
}

func (s *Store) FindOverlapping(ctx context.Context, envID int64, start, end time.Time, statuses []core.BookingStatus, excludeID int64) ([]core.Booking, error) {
	return findOverlapping(ctx, s.db, envID, start, end, statuses, excludeID)
}

// UpdateBookingStatus applies a lifecycle transition and its occupancy side
// effects. Approval occupies the environment and activates the booking at once
// when now already falls inside its window.
func (s *Store) UpdateBookingStatus(ctx context.Context, id int64, to core.BookingStatus, now time.Time) (storage.Transition, error) {
	var tr storage.Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if !core.CanTransition(b.Status, to) {
			return core.StateConflict(fmt.Sprintf("cannot change booking from %s to %s", b.Status, to))
		}
		tr.From = b.Status

		var env core.Environment
		switch to {
		case core.BookingApproved:
			env, err = occupy(ctx, tx, b.EnvironmentID, now)
			if err != nil {
				return err
			}
			if interval.Contains(b.StartTime, b.EndTime, now) {
				to = core.BookingActive
				b.ActualStartTime = &now
			}
		case core.BookingActive:
			b.ActualStartTime = &now
		case core.BookingCompleted, core.BookingCancelled, core.BookingRejected:
			if b.Status == core.BookingActive {
				b.ActualEndTime = &now
			}
			if b.Status == core.BookingApproved || b.Status == core.BookingActive {
				env, err = release(ctx, tx, b.EnvironmentID, now)
				if err != nil {
					return err
				}
			}
		}
		if env.ID == 0 {
			if env, err = getEnvironment(ctx, tx, b.EnvironmentID); err != nil {
				return err
			}
		}

		b.Status = to
		b.UpdatedAt = now
		if err := writeBookingState(ctx, tx, b); err != nil {
			return err
		}
		tr.Booking = b
		tr.Environment = env
		return nil
	})
	return tr, err
}

// SoftDeleteBooking hides a booking from every query. Active bookings cannot be
// deleted; an approved booking gives its occupancy back.
func (s *Store) SoftDeleteBooking(ctx context.Context, id int64, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBooking(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status == core.BookingActive {
			return core.StateConflict("Cannot delete an active booking")
		}
		if b.Status == core.BookingApproved {
			if _, err := release(ctx, tx, b.EnvironmentID, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bookings SET deleted_at = ?, updated_at = ? WHERE id = ?`,
			formatTime(now), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("delete booking: %w", err)
		}
		return nil
	})
}

func writeBookingState(ctx context.Context, q querier, b core.Booking) error {
	_, err := q.ExecContext(ctx,
		`UPDATE bookings SET status = ?, actual_start_time = ?, actual_end_time = ?, updated_at = ? WHERE id = ?`,
		string(b.Status), nullTime(b.ActualStartTime), nullTime(b.ActualEndTime), formatTime(b.UpdatedAt), b.ID,
	)
	if err != nil {
		return fmt.Errorf("update booking %d: %w", b.ID, err)
	}
	return nil
}

func getBooking(ctx context.Context, q querier, id int64) (core.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? AND deleted_at IS NULL`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Booking{}, core.NotFound("booking", id)
	}
	return b, err
}

// findOverlapping mirrors interval.Overlaps in SQL: start < other.end AND
// other.start < end. Rows are re-checked in Go against the same predicate.
func findOverlapping(ctx context.Context, q querier, envID int64, start, end time.Time, statuses []core.BookingStatus, excludeID int64) ([]core.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE environment_id = ? AND deleted_at IS NULL AND id != ?
		  AND start_time < ? AND end_time > ?`
	args := []any{envID, excludeID, formatTime(end), formatTime(start)}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY start_time ASC, id ASC"

	candidates, err := queryBookings(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, b := range candidates {
		if interval.Overlaps(start, end, b.StartTime, b.EndTime) {
			out = append(out, b)
		}
	}
	return out, nil
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]core.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []core.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBooking(row scanner) (core.Booking, error) {
	var b core.Booking
	var releaseID sql.NullInt64
	var actualStart, actualEnd, deletedAt sql.NullString
	var start, end, priority, status, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.EnvironmentID, &b.UserID, &releaseID, &b.ProjectName, &b.Purpose, &start, &end,
		&priority, &status, &actualStart, &actualEnd, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Booking{}, err
		}
		return core.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	b.ReleaseID = int64Ptr(releaseID)
	b.StartTime = parseTime(start)
	b.EndTime = parseTime(end)
	b.Priority = core.Priority(priority)
	b.Status = core.BookingStatus(status)
	b.ActualStartTime = timePtr(actualStart)
	b.ActualEndTime = timePtr(actualEnd)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	b.DeletedAt = timePtr(deletedAt)
	return b, nil
}
