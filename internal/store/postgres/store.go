package postgres

import (
	"context"
	"errors"
	"time"

	"lodgehr/notify-service/internal/models"
	"lodgehr/notify-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertNotification(ctx context.Context, n models.Notification) error {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (
			notification_id,
			recipient_id,
			property_id,
			event_type,
			payload_json,
			channels,
			delivered_channels,
			priority,
			status,
			retry_count,
			last_error,
			next_attempt_at,
			scheduled_for,
			expires_at,
			created_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, n.NotificationID, n.RecipientID, n.PropertyID, n.EventType, n.Payload, n.Channels,
		n.Delivered, n.Priority, n.Status, n.RetryCount, nullString(n.LastError),
		n.NextAttemptAt, n.ScheduledFor, n.ExpiresAt, n.CreatedAt)
	return err
}

// ListDue returns notifications eligible for a delivery attempt, highest
// priority first, then earliest scheduled, then creation order so a
// priority band stays fair. Rows past their expiry are still returned so
// the dispatcher can retire them.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, recipient_id, COALESCE(property_id, ''), event_type, payload_json,
		       channels, delivered_channels, priority, status, retry_count,
		       COALESCE(last_error, ''), next_attempt_at, scheduled_for, expires_at, read_at, created_at
		FROM notifications
		WHERE status IN ('pending', 'sent')
		  AND scheduled_for <= $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 3
				WHEN 'high' THEN 2
				WHEN 'normal' THEN 1
				ELSE 0
			END DESC,
			scheduled_for ASC,
			created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *Store) MarkDelivered(ctx context.Context, notificationID string, delivered []string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'delivered', delivered_channels = $2, last_error = NULL, next_attempt_at = NULL, delivered_at = NOW()
		WHERE notification_id = $1 AND status = ANY($3)
	`, notificationID, delivered, models.TransitionSources(models.StatusDelivered))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) MarkRetry(ctx context.Context, notificationID string, delivered []string, status, lastError string, retryCount int, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $2, delivered_channels = $3, last_error = $4, retry_count = $5, next_attempt_at = $6
		WHERE notification_id = $1 AND status = ANY($7)
	`, notificationID, status, delivered, lastError, retryCount, nextAttemptAt, models.TransitionSources(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) MarkDeadLettered(ctx context.Context, notificationID string, delivered []string, lastError string, retryCount int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'dead_lettered', delivered_channels = $2, last_error = $3, retry_count = $4, next_attempt_at = NULL
		WHERE notification_id = $1 AND status = ANY($5)
	`, notificationID, delivered, lastError, retryCount, models.TransitionSources(models.StatusDeadLettered))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) MarkExpired(ctx context.Context, notificationID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'expired', next_attempt_at = NULL
		WHERE notification_id = $1 AND status = ANY($2)
	`, notificationID, models.TransitionSources(models.StatusExpired))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) InsertDLQ(ctx context.Context, notificationID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_dlq (dlq_id, notification_id, reason)
		VALUES ($1, $2, $3)
	`, uuid.NewString(), notificationID, reason)
	return err
}

// MarkRead is idempotent; re-reading an already-read notification keeps the
// original read_at.
func (s *Store) MarkRead(ctx context.Context, notificationID, recipientID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET read_at = COALESCE(read_at, NOW())
		WHERE notification_id = $1 AND recipient_id = $2
	`, notificationID, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotificationNotFound
	}
	return nil
}

func (s *Store) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int, cursor string) ([]models.Notification, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	before := time.Now().UTC()
	if cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", store.ErrInvalidState
		}
		before = parsed
	}
	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, recipient_id, COALESCE(property_id, ''), event_type, payload_json,
		       channels, delivered_channels, priority, status, retry_count,
		       COALESCE(last_error, ''), next_attempt_at, scheduled_for, expires_at, read_at, created_at
		FROM notifications
		WHERE recipient_id = $1
		  AND created_at < $2
		  AND ($3 = FALSE OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $4
	`, recipientID, before, unreadOnly, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	notifications, err := scanNotifications(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(notifications) == limit {
		next = notifications[len(notifications)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return notifications, next, nil
}

func (s *Store) GetManagerProperties(ctx context.Context, managerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT property_id
		FROM manager_properties
		WHERE manager_id = $1
	`, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var properties []string
	for rows.Next() {
		var propertyID string
		if err := rows.Scan(&propertyID); err != nil {
			return nil, err
		}
		properties = append(properties, propertyID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return properties, nil
}

func (s *Store) GetRecipient(ctx context.Context, userID string) (store.Recipient, error) {
	var recipient store.Recipient
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, role, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(device_token, ''), channel_prefs
		FROM users
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&recipient.UserID, &recipient.Role, &recipient.Email, &recipient.Phone, &recipient.DeviceToken, &recipient.Channels); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Recipient{}, store.ErrRecipientNotFound
		}
		return store.Recipient{}, err
	}
	return recipient, nil
}

func (s *Store) ListPropertyStaff(ctx context.Context, propertyID string, roles []string) ([]store.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.user_id, u.role, COALESCE(u.email, ''), COALESCE(u.phone, ''), COALESCE(u.device_token, ''), u.channel_prefs
		FROM users u
		JOIN property_staff ps ON ps.user_id = u.user_id
		WHERE ps.property_id = $1
		  AND (cardinality($2::text[]) = 0 OR u.role = ANY($2))
	`, propertyID, roles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []store.Recipient
	for rows.Next() {
		var recipient store.Recipient
		if err := rows.Scan(&recipient.UserID, &recipient.Role, &recipient.Email, &recipient.Phone, &recipient.DeviceToken, &recipient.Channels); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recipients, nil
}

func scanNotifications(rows pgx.Rows) ([]models.Notification, error) {
	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.NotificationID, &n.RecipientID, &n.PropertyID, &n.EventType, &n.Payload,
			&n.Channels, &n.Delivered, &n.Priority, &n.Status, &n.RetryCount,
			&n.LastError, &n.NextAttemptAt, &n.ScheduledFor, &n.ExpiresAt, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
