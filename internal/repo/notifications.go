package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"riskline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,kind,title,message,link,is_read,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Message, nullable(n.Link), n.Read, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

type NotificationFilters struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

// ListNotifications returns a user's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	if f.UserID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidArgument)
	}
	query := `SELECT id,user_id,kind,title,message,COALESCE(link,''),is_read,created_at FROM notifications WHERE user_id=?`
	args := []any{f.UserID}
	if f.UnreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	var n domain.Notification
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,kind,title,message,COALESCE(link,''),is_read,created_at FROM notifications WHERE id=?`, id).
		Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link, &n.Read, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.CreatedAt, err = parseTime(createdAt)
	return n, err
}
