package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

func (s *Store) CreateNotification(ctx context.Context, n core.Notification) (core.Notification, error) {
	if n.UserID == 0 {
		return core.Notification{}, core.Invalid("user_id", "required")
	}
	if n.Priority == "" {
		n.Priority = core.PriorityMedium
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, type, title, message, link, priority, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, string(n.Type), n.Title, n.Message, n.Link, string(n.Priority), boolInt(n.IsRead), formatTime(n.CreatedAt),
	)
	if err != nil {
		return core.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return core.Notification{}, fmt.Errorf("notification id: %w", err)
	}
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]core.Notification, error) {
	query := `SELECT id, user_id, type, title, message, link, priority, is_read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []core.Notification
	for rows.Next() {
		var n core.Notification
		var typ, priority, createdAt string
		var isRead int
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &n.Link, &priority, &isRead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = core.NotificationType(typ)
		n.Priority = core.Priority(priority)
		n.IsRead = isRead != 0
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead only touches rows owned by userID; anything else is
// reported as not found.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return requireRow(res, "notification", id)
}

func (s *Store) DeleteNotification(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(res, "notification", id)
}

// HasRecentNotification reports whether a notification of typ pointing at link
// was created at or after since.
func (s *Store) HasRecentNotification(ctx context.Context, typ core.NotificationType, link string, since time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE type = ? AND link = ? AND created_at >= ?)`,
		string(typ), link, formatTime(since),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recent notification: %w", err)
	}
	return exists == 1, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", entity, err)
	}
	if n == 0 {
		return core.NotFound(entity, id)
	}
	return nil
}
