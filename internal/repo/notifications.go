package repo

import (
	"context"
	"database/sql"

	"shiftline/internal/domain"
)

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO notifications(user_id,kind,payload_json,created_at) VALUES (?,?,?,?)`,
		n.UserID, n.Kind, n.Payload, n.CreatedAt)
	return err
}

type NotificationFilters struct {
	UserID      string
	PendingOnly bool
	// MaxAttempts excludes rows that already failed this many times when set.
	MaxAttempts int
	AfterID     int64
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,user_id,kind,payload_json,created_at,attempts,COALESCE(last_error,''),delivered_at FROM notifications WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.PendingOnly {
		query += ` AND delivered_at IS NULL`
	}
	if f.MaxAttempts > 0 {
		query += ` AND attempts<?`
		args = append(args, f.MaxAttempts)
	}
	if f.AfterID > 0 {
		query += ` AND id>?`
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.conn(nil).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Payload, &n.CreatedAt, &n.Attempts, &n.LastError, &delivered); err != nil {
			return nil, err
		}
		n.DeliveredAt = stringPtr(delivered)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id int64, at string) error {
	_, err := r.conn(nil).ExecContext(ctx, `UPDATE notifications SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=? AND delivered_at IS NULL`, at, id)
	return err
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id int64, msg string) error {
	_, err := r.conn(nil).ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=? WHERE id=?`, nullable(msg), id)
	return err
}
