package models

import (
	"encoding/json"
	"time"
)

type Notification struct {
	NotificationID string          `json:"notification_id"`
	RecipientID    string          `json:"recipient_id"`
	PropertyID     string          `json:"property_id,omitempty"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Channels       []string        `json:"channels"`
	Delivered      []string        `json:"delivered_channels,omitempty"`
	Priority       string          `json:"priority"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusDelivered    = "delivered"
	StatusDeadLettered = "dead_lettered"
	StatusCancelled    = "cancelled"
	StatusExpired      = "expired"
)

const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	EventApplicationSubmitted = "application.submitted"
	EventApplicationApproved  = "application.approved"
	EventApplicationRejected  = "application.rejected"
	EventDeadlineReminder     = "deadline.reminder"
	EventOnboardingComplete   = "onboarding.complete"
	EventSystemAlert          = "system.alert"
)

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

func ValidChannel(channel string) bool {
	switch channel {
	case ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func ValidEventType(eventType string) bool {
	switch eventType {
	case EventApplicationSubmitted, EventApplicationApproved, EventApplicationRejected,
		EventDeadlineReminder, EventOnboardingComplete, EventSystemAlert:
		return true
	}
	return false
}

// PriorityRank orders priorities for dispatch: higher rank dispatches first.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// PendingChannels returns the requested channels that have not been
// confirmed delivered yet.
func (n Notification) PendingChannels() []string {
	var pending []string
	for _, channel := range n.Channels {
		if !containsChannel(n.Delivered, channel) {
			pending = append(pending, channel)
		}
	}
	return pending
}

func containsChannel(channels []string, channel string) bool {
	for _, item := range channels {
		if item == channel {
			return true
		}
	}
	return false
}
