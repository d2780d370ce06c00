package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

const conflictColumns = `id, booking_id_1, booking_id_2, environment_id, conflict_type, severity, resolution_status,
	detected_at, resolved_at, resolved_by, resolution_notes`

// InsertConflict records c unless the unordered booking pair already has a
// conflict. The bool reports whether a row was written.
func (s *Store) InsertConflict(ctx context.Context, c core.Conflict) (core.Conflict, bool, error) {
	if c.BookingID1 == c.BookingID2 {
		return core.Conflict{}, false, core.Invalid("booking_id_2", "a booking cannot conflict with itself")
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	return insertConflict(ctx, s.db, c)
}

func insertConflict(ctx context.Context, q querier, c core.Conflict) (core.Conflict, bool, error) {
	if c.BookingID1 > c.BookingID2 {
		c.BookingID1, c.BookingID2 = c.BookingID2, c.BookingID1
	}
	if c.ConflictType == "" {
		c.ConflictType = core.ConflictTimeOverlap
	}
	if c.Severity == "" {
		c.Severity = core.SeverityMedium
	}
	if c.ResolutionStatus == "" {
		c.ResolutionStatus = core.Unresolved
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO conflicts (booking_id_1, booking_id_2, environment_id, conflict_type, severity, resolution_status, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(booking_id_1, booking_id_2) DO NOTHING`,
		c.BookingID1, c.BookingID2, c.EnvironmentID, string(c.ConflictType), string(c.Severity),
		string(c.ResolutionStatus), formatTime(c.DetectedAt),
	)
	if err != nil {
		return core.Conflict{}, false, fmt.Errorf("insert conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Conflict{}, false, fmt.Errorf("insert conflict: %w", err)
	}
	if n == 0 {
		return c, false, nil
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return core.Conflict{}, false, fmt.Errorf("conflict id: %w", err)
	}
	return c, true, nil
}

func (s *Store) GetConflict(ctx context.Context, id int64) (core.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conflict{}, core.NotFound("conflict", id)
	}
	return c, err
}

func (s *Store) ListConflicts(ctx context.Context, f core.ConflictFilter) ([]core.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	var args []any
	if f.EnvironmentID != 0 {
		query += " AND environment_id = ?"
		args = append(args, f.EnvironmentID)
	}
	if f.BookingID != 0 {
		query += " AND (booking_id_1 = ? OR booking_id_2 = ?)"
		args = append(args, f.BookingID, f.BookingID)
	}
	if f.ResolutionStatus != "" {
		query += " AND resolution_status = ?"
		args = append(args, string(f.ResolutionStatus))
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []core.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict resolved. Resolving again overwrites the
// notes, resolver and timestamp.
func (s *Store) ResolveConflict(ctx context.Context, id, actorID int64, notes string, now time.Time) (core.Conflict, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution_status = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ? WHERE id = ?`,
		string(core.Resolved), formatTime(now), actorID, notes, id,
	)
	if err != nil {
		return core.Conflict{}, fmt.Errorf("resolve conflict: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.Conflict{}, fmt.Errorf("resolve conflict: %w", err)
	} else if n == 0 {
		return core.Conflict{}, core.NotFound("conflict", id)
	}
	return s.GetConflict(ctx, id)
}

func scanConflict(row scanner) (core.Conflict, error) {
	var c core.Conflict
	var typ, severity, status, detectedAt string
	var resolvedAt sql.NullString
	var resolvedBy sql.NullInt64
	err := row.Scan(&c.ID, &c.BookingID1, &c.BookingID2, &c.EnvironmentID, &typ, &severity, &status,
		&detectedAt, &resolvedAt, &resolvedBy, &c.ResolutionNotes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Conflict{}, err
		}
		return core.Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	c.ConflictType = core.ConflictType(typ)
	c.Severity = core.Severity(severity)
	c.ResolutionStatus = core.ResolutionStatus(status)
	c.DetectedAt = parseTime(detectedAt)
	c.ResolvedAt = timePtr(resolvedAt)
	c.ResolvedBy = int64Ptr(resolvedBy)
	return c, nil
}
