package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/storage"
)

// SweepConflicts records a medium-severity conflict for every pair of approved
// or active bookings in one environment whose windows overlap and that have no
// conflict row yet, in either order.
func (s *Store) SweepConflicts(ctx context.Context, now time.Time) ([]core.Conflict, error) {
	statusIn := placeholders(len(core.SweepStatuses))
	query := `SELECT b1.id, b2.id, b1.environment_id
		FROM bookings b1
		JOIN bookings b2 ON b2.environment_id = b1.environment_id AND b1.id < b2.id
		WHERE b1.deleted_at IS NULL AND b2.deleted_at IS NULL
		  AND b1.status IN (` + statusIn + `) AND b2.status IN (` + statusIn + `)
		  AND b1.start_time < b2.end_time AND b2.start_time < b1.end_time
		  AND NOT EXISTS (
		    SELECT 1 FROM conflicts c
		    WHERE (c.booking_id_1 = b1.id AND c.booking_id_2 = b2.id)
		       OR (c.booking_id_1 = b2.id AND c.booking_id_2 = b1.id))
		ORDER BY b1.id, b2.id`
	args := make([]any, 0, 2*len(core.SweepStatuses))
	for i := 0; i < 2; i++ {
		for _, st := range core.SweepStatuses {
			args = append(args, string(st))
		}
	}

	var inserted []core.Conflict
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		type pair struct{ a, b, env int64 }
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sweep conflicts: %w", err)
		}
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.a, &p.b, &p.env); err != nil {
				rows.Close()
				return fmt.Errorf("scan pair: %w", err)
			}
			pairs = append(pairs, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, p := range pairs {
			c := core.NewConflictPair(p.a, p.b, p.env, core.SeverityMedium)
			c.DetectedAt = now
			created, ok, err := insertConflict(ctx, tx, c)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, created)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ActivateDue promotes approved bookings whose window contains now.
func (s *Store) ActivateDue(ctx context.Context, now time.Time) ([]storage.Transition, error) {
	var out []storage.Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		due, err := queryBookings(ctx, tx,
			`SELECT `+bookingColumns+` FROM bookings
			 WHERE deleted_at IS NULL AND status = ? AND start_time <= ? AND end_time > ?
			 ORDER BY start_time, id`,
			string(core.BookingApproved), formatTime(now), formatTime(now),
		)
		if err != nil {
			return err
		}
		for _, b := range due {
			from := b.Status
			b.Status = core.BookingActive
			b.ActualStartTime = &now
			b.UpdatedAt = now
			if err := writeBookingState(ctx, tx, b); err != nil {
				return err
			}
			env, err := getEnvironment(ctx, tx, b.EnvironmentID)
			if err != nil {
				return err
			}
			out = append(out, storage.Transition{From: from, Booking: b, Environment: env})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteDue finishes active bookings whose end time has passed and releases
// their environment occupancy. Approved bookings whose whole window slipped by
// between ticks are completed too, without an actual start or end, so the
// usage taken at approval is given back. Completed bookings are never selected
// again, so repeated sweeps cannot drive usage below zero.
func (s *Store) CompleteDue(ctx context.Context, now time.Time) ([]storage.Transition, error) {
	var out []storage.Transition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		due, err := queryBookings(ctx, tx,
			`SELECT `+bookingColumns+` FROM bookings
			 WHERE deleted_at IS NULL AND status IN (?, ?) AND end_time <= ?
			 ORDER BY end_time, id`,
			string(core.BookingActive), string(core.BookingApproved), formatTime(now),
		)
		if err != nil {
			return err
		}
		for _, b := range due {
			from := b.Status
			b.Status = core.BookingCompleted
			if from == core.BookingActive {
				b.ActualEndTime = &now
			}
			b.UpdatedAt = now
			if err := writeBookingState(ctx, tx, b); err != nil {
				return err
			}
			env, err := release(ctx, tx, b.EnvironmentID, now)
			if err != nil {
				return err
			}
			out = append(out, storage.Transition{From: from, Booking: b, Environment: env})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DueReminders lists approved bookings starting within [now, now+window] whose
// owner has reminders enabled. Owners without a users row default to enabled.
func (s *Store) DueReminders(ctx context.Context, now time.Time, window time.Duration) ([]core.Booking, error) {
	return queryBookings(ctx, s.db,
		`SELECT `+bookingColumnsOf("b")+` FROM bookings b
		 LEFT JOIN users u ON u.id = b.user_id
		 WHERE b.deleted_at IS NULL AND b.status = ?
		   AND b.start_time >= ? AND b.start_time <= ?
		   AND COALESCE(u.reminders_enabled, 1) = 1 AND COALESCE(u.active, 1) = 1
		 ORDER BY b.start_time, b.id`,
		string(core.BookingApproved), formatTime(now), formatTime(now.Add(window)),
	)
}
