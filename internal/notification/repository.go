package notification

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

const notificationColumns = `id, recipient_id, type, title, content, priority, action_url,
	related_type, related_id, is_read, read_at, created_at`

func (r *Repository) CreateOnce(ctx context.Context, n *Notification) (*Notification, bool, error) {
	var relType, relID sql.NullString
	if n.RelatedEntity != nil {
		relType = sql.NullString{String: n.RelatedEntity.Type, Valid: true}
		relID = sql.NullString{String: n.RelatedEntity.ID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, content, priority, action_url,
			related_type, related_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (recipient_id, type, related_type, related_id) DO NOTHING`,
		n.ID, n.Recipient, string(n.Type), n.Title, n.Content, string(n.Priority), n.ActionURL,
		relType, relID, n.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "notificationRepo.CreateOnce.Insert")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return n, true, nil
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE recipient_id = $1 AND type = $2 AND related_type = $3 AND related_id = $4`,
		n.Recipient, string(n.Type), relType, relID)
	existing, err := scanNotification(row)
	if err != nil {
		return nil, false, errors.Wrap(err, "notificationRepo.CreateOnce.Existing")
	}
	return existing, false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(s scanner) (*Notification, error) {
	n := &Notification{}
	var typ, priority string
	var relType, relID sql.NullString
	var readAt sql.NullTime
	err := s.Scan(&n.ID, &n.Recipient, &typ, &n.Title, &n.Content, &priority, &n.ActionURL,
		&relType, &relID, &n.Read.IsRead, &readAt, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.Type = Type(typ)
	n.Priority = Priority(priority)
	if relType.Valid {
		n.RelatedEntity = &RelatedEntity{Type: relType.String, ID: relID.String}
	}
	if readAt.Valid {
		t := readAt.Time
		n.Read.ReadAt = &t
	}
	return n, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "notificationRepo.Get")
	}
	return n, nil
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE recipient_id = $1
		  AND (NOT $2 OR NOT is_read)
		  AND ($3::timestamptz IS NULL OR created_at < $3::timestamptz)
		ORDER BY created_at DESC
		LIMIT $4`, f.Recipient, f.UnreadOnly, f.Before, f.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "notificationRepo.List.Query")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "notificationRepo.List.Scan")
		}
		out = append(out, n)
	}
	return out, errors.Wrap(rows.Err(), "notificationRepo.List.Rows")
}

func (r *Repository) UnreadCount(ctx context.Context, recipient string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`, recipient).Scan(&count)
	return count, errors.Wrap(err, "notificationRepo.UnreadCount")
}

func (r *Repository) MarkRead(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE id = $1 AND NOT is_read`, id, at)
	return errors.Wrap(err, "notificationRepo.MarkRead")
}

func (r *Repository) MarkAllRead(ctx context.Context, recipient string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE recipient_id = $1 AND NOT is_read`, recipient, at)
	if err != nil {
		return 0, errors.Wrap(err, "notificationRepo.MarkAllRead")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
