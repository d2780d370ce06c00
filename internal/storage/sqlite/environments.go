package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

const environmentColumns = `id, name, type, status, current_usage, created_at, updated_at`

func (s *Store) CreateEnvironment(ctx context.Context, env core.Environment) (core.Environment, error) {
	env.Name = strings.TrimSpace(env.Name)
	if env.Name == "" {
		return core.Environment{}, core.Invalid("name", "required")
	}
	if env.Status == "" {
		env.Status = core.EnvironmentAvailable
	}
	if !env.Status.Valid() {
		return core.Environment{}, core.Invalid("status", "unknown environment status")
	}
	if env.CurrentUsage < 0 {
		return core.Environment{}, core.Invalid("current_usage", "must not be negative")
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = env.CreatedAt

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (name, type, status, current_usage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		env.Name, env.Type, string(env.Status), env.CurrentUsage,
		formatTime(env.CreatedAt), formatTime(env.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return core.Environment{}, core.Invalid("name", "already exists")
		}
		return core.Environment{}, fmt.Errorf("create environment: %w", err)
	}
	env.ID, err = res.LastInsertId()
	if err != nil {
		return core.Environment{}, fmt.Errorf("environment id: %w", err)
	}
	return env, nil
}

func (s *Store) GetEnvironment(ctx context.Context, id int64) (core.Environment, error) {
	return getEnvironment(ctx, s.db, id)
}

func (s *Store) ListEnvironments(ctx context.Context) ([]core.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []core.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func getEnvironment(ctx context.Context, q querier, id int64) (core.Environment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id)
	env, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Environment{}, core.NotFound("environment", id)
	}
	return env, err
}

// occupy records one more approved booking against the environment.
func occupy(ctx context.Context, q querier, envID int64, now time.Time) (core.Environment, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE environments SET current_usage = current_usage + 1, status = ?, updated_at = ? WHERE id = ?`,
		string(core.EnvironmentInUse), formatTime(now), envID,
	)
	if err != nil {
		return core.Environment{}, fmt.Errorf("occupy environment: %w", err)
	}
	return getEnvironment(ctx, q, envID)
}

// release drops one booking from the environment's usage, never below zero.
// An in-use environment whose usage falls to ReleaseThreshold or less is
// reported available again.
func release(ctx context.Context, q querier, envID int64, now time.Time) (core.Environment, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE environments
		 SET current_usage = MAX(current_usage - 1, 0),
		     status = CASE WHEN status = ? AND MAX(current_usage - 1, 0) <= ? THEN ? ELSE status END,
		     updated_at = ?
		 WHERE id = ?`,
		string(core.EnvironmentInUse), core.ReleaseThreshold, string(core.EnvironmentAvailable),
		formatTime(now), envID,
	)
	if err != nil {
		return core.Environment{}, fmt.Errorf("release environment: %w", err)
	}
	return getEnvironment(ctx, q, envID)
}

func scanEnvironment(row scanner) (core.Environment, error) {
	var env core.Environment
	var status, createdAt, updatedAt string
	if err := row.Scan(&env.ID, &env.Name, &env.Type, &status, &env.CurrentUsage, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Environment{}, err
		}
		return core.Environment{}, fmt.Errorf("scan environment: %w", err)
	}
	env.Status = core.EnvironmentStatus(status)
	env.CreatedAt = parseTime(createdAt)
	env.UpdatedAt = parseTime(updatedAt)
	return env, nil
}
