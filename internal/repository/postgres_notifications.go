package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"automation-hub/backend/pkg/models"
)

const notificationColumns = `id, tenant_id, uri, title, body, sent, attempts, last_error, created_at, sent_at`

// QueueNotification persists an unsent notification.
func (s *PostgresStore) QueueNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Sent = false
	return mapErr(s.db.QueryRow(ctx, `INSERT INTO notifications (id, tenant_id, uri, title, body)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		n.ID, n.TenantID, n.URI, n.Title, n.Body,
	).Scan(&n.CreatedAt))
}

// ListUnsentNotifications returns unsent notifications, fewest attempts
// first and then oldest, so rows that keep failing cannot crowd fresh ones
// out of a limited batch.
func (s *PostgresStore) ListUnsentNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	return s.listNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE NOT sent ORDER BY attempts, created_at, id LIMIT $1`, limit)
}

// ListNotifications returns a tenant's most recent notifications.
func (s *PostgresStore) ListNotifications(ctx context.Context, tenantID string, limit int) ([]*models.Notification, error) {
	return s.listNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE tenant_id = $2 ORDER BY created_at DESC LIMIT $1`, limit, tenantID)
}

// MarkNotificationSent records a successful delivery.
func (s *PostgresStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE notifications SET sent = TRUE, sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1`, id, at)
}

// MarkNotificationFailed records a failed attempt; the row stays unsent.
func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	return s.execOne(ctx, `UPDATE notifications SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
}

func (s *PostgresStore) listNotifications(ctx context.Context, query string, args ...any) ([]*models.Notification, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	if err := row.Scan(&n.ID, &n.TenantID, &n.URI, &n.Title, &n.Body, &n.Sent, &n.Attempts,
		&n.LastError, &n.CreatedAt, &n.SentAt); err != nil {
		return nil, mapErr(err)
	}
	return &n, nil
}
