package store

import (
	"context"
	"time"

	"lodgehr/notify-service/internal/models"
)

// Recipient is one deliverable identity resolved from the staff directory.
// Channels holds the recipient's channel preferences; an empty list means
// in-app only.
type Recipient struct {
	UserID      string
	Role        string
	Email       string
	Phone       string
	DeviceToken string
	Channels    []string
}

// NotificationStore is the single source of truth for notification status.
// Only the dispatcher mutates status fields.
type NotificationStore interface {
	InsertNotification(ctx context.Context, notification models.Notification) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkDelivered(ctx context.Context, notificationID string, delivered []string) error
	MarkRetry(ctx context.Context, notificationID string, delivered []string, status, lastError string, retryCount int, nextAttemptAt time.Time) error
	MarkDeadLettered(ctx context.Context, notificationID string, delivered []string, lastError string, retryCount int) error
	MarkExpired(ctx context.Context, notificationID string) error
	InsertDLQ(ctx context.Context, notificationID, reason string) error
	MarkRead(ctx context.Context, notificationID, recipientID string) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int, cursor string) ([]models.Notification, string, error)
}

// AccessStore is the system of record for manager property assignments.
type AccessStore interface {
	GetManagerProperties(ctx context.Context, managerID string) ([]string, error)
}

// DirectoryStore resolves event targets to concrete recipients.
type DirectoryStore interface {
	GetRecipient(ctx context.Context, userID string) (Recipient, error)
	ListPropertyStaff(ctx context.Context, propertyID string, roles []string) ([]Recipient, error)
}
