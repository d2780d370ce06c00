package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

func (s *Store) UpsertUser(ctx context.Context, u core.User) (core.User, error) {
	if u.ID <= 0 {
		return core.User{}, core.Invalid("id", "must be positive")
	}
	if u.Role == "" {
		u.Role = core.RoleUser
	}
	if !u.Role.Valid() {
		return core.User{}, core.Invalid("role", "unknown role")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, role, active, reminders_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, role=excluded.role,
		   active=excluded.active, reminders_enabled=excluded.reminders_enabled`,
		u.ID, u.Username, string(u.Role), boolInt(u.Active), boolInt(u.RemindersEnabled), formatTime(u.CreatedAt),
	)
	if err != nil {
		return core.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) GetUser(ctx context.Context, id int64) (core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, active, reminders_enabled, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.NotFound("user", id)
	}
	return u, err
}

// ListUsersByRole returns active users holding any of roles.
func (s *Store) ListUsersByRole(ctx context.Context, roles ...core.Role) ([]core.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(roles))
	for _, r := range roles {
		args = append(args, string(r))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, role, active, reminders_enabled, created_at FROM users
		 WHERE active = 1 AND role IN (`+placeholders(len(roles))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row scanner) (core.User, error) {
	var u core.User
	var role, createdAt string
	var active, reminders int
	if err := row.Scan(&u.ID, &u.Username, &role, &active, &reminders, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.User{}, err
		}
		return core.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Role = core.Role(role)
	u.Active = active != 0
	u.RemindersEnabled = reminders != 0
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}
