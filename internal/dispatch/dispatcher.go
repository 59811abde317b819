package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"math/rand"
	"time"

	"lodgehr/notify-service/internal/channel"
	"lodgehr/notify-service/internal/hub"
	"lodgehr/notify-service/internal/models"
	"lodgehr/notify-service/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrValidation = errors.New("invalid notification request")

var (
	dispatchedTotal   = expvar.NewInt("notifications_dispatched_total")
	deliveredTotal    = expvar.NewInt("notifications_delivered_total")
	retriedTotal      = expvar.NewInt("notifications_retried_total")
	deadLetteredTotal = expvar.NewInt("notifications_dead_lettered_total")
	expiredTotal      = expvar.NewInt("notifications_expired_total")
)

// Broadcaster is the room fan-out used for live property-scoped event
// frames raised by workflow collaborators.
type Broadcaster interface {
	Broadcast(roomKey string, payload []byte) int
}

type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AdapterTimeout time.Duration
	Workers        int
	BatchSize      int
}

// Dispatcher owns the notification queue: it is the only component that
// mutates notification status, so delivery progress has a single writer.
type Dispatcher struct {
	store       store.NotificationStore
	directory   store.DirectoryStore
	broadcaster Broadcaster
	adapters    map[string]channel.Adapter

	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration
	adapterTimeout time.Duration
	workers        int
	batchSize      int

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

func New(notifications store.NotificationStore, directory store.DirectoryStore, broadcaster Broadcaster, adapters map[string]channel.Adapter, cfg Config) *Dispatcher {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	maxDelay := cfg.BackoffCap
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	timeout := cfg.AdapterTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		store:          notifications,
		directory:      directory,
		broadcaster:    broadcaster,
		adapters:       adapters,
		maxRetries:     maxRetries,
		backoffBase:    base,
		backoffCap:     maxDelay,
		adapterTimeout: timeout,
		workers:        workers,
		batchSize:      batch,
		now:            time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

type EnqueueInput struct {
	RecipientID  string
	PropertyID   string
	EventType    string
	Payload      json.RawMessage
	Channels     []string
	Priority     string
	ScheduledFor *time.Time
	ExpiresAt    *time.Time
}

// Enqueue validates the request and records a pending notification. The
// dispatch loop picks it up once scheduled_for passes.
func (d *Dispatcher) Enqueue(ctx context.Context, input EnqueueInput) (string, error) {
	if input.RecipientID == "" {
		return "", fmt.Errorf("%w: recipient_id is required", ErrValidation)
	}
	if !models.ValidEventType(input.EventType) {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, input.EventType)
	}
	if len(input.Channels) == 0 {
		return "", fmt.Errorf("%w: channels must not be empty", ErrValidation)
	}
	channels := make([]string, 0, len(input.Channels))
	for _, name := range input.Channels {
		if !models.ValidChannel(name) {
			return "", fmt.Errorf("%w: unknown channel %q", ErrValidation, name)
		}
		if !contains(channels, name) {
			channels = append(channels, name)
		}
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if models.PriorityRank(priority) < 0 {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	now := d.now().UTC()
	scheduledFor := now
	if input.ScheduledFor != nil {
		if input.ScheduledFor.Before(now) {
			return "", fmt.Errorf("%w: scheduled_for is in the past", ErrValidation)
		}
		scheduledFor = input.ScheduledFor.UTC()
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(scheduledFor) {
		return "", fmt.Errorf("%w: expires_at must be after scheduled_for", ErrValidation)
	}

	notification := models.Notification{
		NotificationID: uuid.NewString(),
		RecipientID:    input.RecipientID,
		PropertyID:     input.PropertyID,
		EventType:      input.EventType,
		Payload:        input.Payload,
		Channels:       channels,
		Priority:       priority,
		Status:         models.StatusPending,
		ScheduledFor:   scheduledFor,
		ExpiresAt:      input.ExpiresAt,
		CreatedAt:      now,
	}
	if err := d.store.InsertNotification(ctx, notification); err != nil {
		return "", err
	}
	return notification.NotificationID, nil
}

type EventInput struct {
	EventType   string
	PropertyID  string
	Payload     json.RawMessage
	TargetRoles []string
	Priority    string
}

// RaiseEvent fans a workflow event out: the property room gets a live frame
// immediately, and one notification is enqueued per resolved recipient with
// that recipient's channel preferences.
func (d *Dispatcher) RaiseEvent(ctx context.Context, input EventInput) (int, error) {
	if !models.ValidEventType(input.EventType) {
		return 0, fmt.Errorf("%w: unknown event type %q", ErrValidation, input.EventType)
	}
	if input.PropertyID == "" {
		return 0, fmt.Errorf("%w: property_id is required", ErrValidation)
	}

	if d.broadcaster != nil {
		roomKey := hub.PropertyRoom(input.PropertyID)
		d.broadcaster.Broadcast(roomKey, hub.EventFrame(roomKey, input.EventType, input.Payload, d.now().UTC()))
	}

	recipients, err := d.directory.ListPropertyStaff(ctx, input.PropertyID, input.TargetRoles)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, recipient := range recipients {
		channels := recipient.Channels
		if len(channels) == 0 {
			channels = []string{models.ChannelInApp}
		}
		_, err := d.Enqueue(ctx, EnqueueInput{
			RecipientID: recipient.UserID,
			PropertyID:  input.PropertyID,
			EventType:   input.EventType,
			Payload:     input.Payload,
			Channels:    channels,
			Priority:    input.Priority,
		})
		if err != nil {
			log.Printf("dispatch enqueue event=%s recipient=%s err=%v", input.EventType, recipient.UserID, err)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// DispatchReady processes every due notification: pending or partially sent,
// scheduled time passed, retry backoff elapsed. Notifications are handled
// concurrently up to the worker limit; one notification's failure never
// stops the rest of the ready set.
func (d *Dispatcher) DispatchReady(ctx context.Context) (int, error) {
	due, err := d.store.ListDue(ctx, d.now().UTC(), d.batchSize)
	if err != nil {
		return 0, err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(d.workers)
	for _, notification := range due {
		notification := notification
		group.Go(func() error {
			if err := d.process(ctx, notification); err != nil {
				log.Printf("dispatch process notification=%s err=%v", notification.NotificationID, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	dispatchedTotal.Add(int64(len(due)))
	return len(due), nil
}

func (d *Dispatcher) process(ctx context.Context, notification models.Notification) error {
	now := d.now().UTC()
	if notification.ExpiresAt != nil && !notification.ExpiresAt.After(now) {
		expiredTotal.Add(1)
		return d.store.MarkExpired(ctx, notification.NotificationID)
	}

	recipient, err := d.directory.GetRecipient(ctx, notification.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			return d.deadLetter(ctx, notification.NotificationID, notification.RetryCount, notification.Delivered, err)
		}
		return d.retryOrDeadLetter(ctx, notification, notification.Delivered, err)
	}

	delivered := append([]string(nil), notification.Delivered...)
	var failure error
	permanent := false
	for _, channelName := range notification.PendingChannels() {
		err := d.sendChannel(ctx, notification, recipient, channelName)
		if err == nil {
			delivered = append(delivered, channelName)
			continue
		}
		if failure == nil {
			failure = fmt.Errorf("%s: %w", channelName, err)
		}
		if channel.IsPermanent(err) {
			permanent = true
		}
	}

	if failure == nil {
		deliveredTotal.Add(1)
		return d.store.MarkDelivered(ctx, notification.NotificationID, delivered)
	}
	if permanent {
		return d.deadLetter(ctx, notification.NotificationID, notification.RetryCount, delivered, failure)
	}
	return d.retryOrDeadLetter(ctx, notification, delivered, failure)
}

func (d *Dispatcher) sendChannel(ctx context.Context, notification models.Notification, recipient store.Recipient, channelName string) error {
	adapter, ok := d.adapters[channelName]
	if !ok {
		return channel.Permanent(fmt.Errorf("no adapter for channel %q", channelName))
	}
	address := addressFor(recipient, channelName)
	if address == "" {
		return channel.Permanent(fmt.Errorf("recipient has no %s address", channelName))
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	defer cancel()
	return adapter.Send(sendCtx, channel.Message{
		NotificationID: notification.NotificationID,
		EventType:      notification.EventType,
		Recipient:      address,
		Subject:        subjectFor(notification.EventType),
		Body:           string(notification.Payload),
		Metadata: map[string]string{
			"property_id": notification.PropertyID,
			"priority":    notification.Priority,
		},
	})
}

func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, notification models.Notification, delivered []string, failure error) error {
	retryCount := notification.RetryCount + 1
	if retryCount >= d.maxRetries {
		return d.deadLetter(ctx, notification.NotificationID, retryCount, delivered, failure)
	}
	status := models.StatusPending
	if len(delivered) > 0 {
		status = models.StatusSent
	}
	next := d.now().UTC().Add(d.backoffDelay(notification.RetryCount))
	retriedTotal.Add(1)
	return d.store.MarkRetry(ctx, notification.NotificationID, delivered, status, failure.Error(), retryCount, next)
}

func (d *Dispatcher) deadLetter(ctx context.Context, notificationID string, retryCount int, delivered []string, failure error) error {
	deadLetteredTotal.Add(1)
	log.Printf("dispatch dead letter notification=%s retries=%d err=%v", notificationID, retryCount, failure)
	if err := d.store.MarkDeadLettered(ctx, notificationID, delivered, failure.Error(), retryCount); err != nil {
		return err
	}
	return d.store.InsertDLQ(ctx, notificationID, failure.Error())
}

// backoffDelay computes the wait before the next attempt: base doubled per
// completed retry plus random jitter, capped.
func (d *Dispatcher) backoffDelay(retryCount int) time.Duration {
	delay := d.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.backoffCap {
			delay = d.backoffCap
			break
		}
	}
	delay += d.jitter(d.backoffBase)
	if delay > d.backoffCap {
		delay = d.backoffCap
	}
	return delay
}

func addressFor(recipient store.Recipient, channelName string) string {
	switch channelName {
	case models.ChannelInApp:
		return recipient.UserID
	case models.ChannelEmail:
		return recipient.Email
	case models.ChannelSMS:
		return recipient.Phone
	case models.ChannelPush:
		return recipient.DeviceToken
	}
	return ""
}

func subjectFor(eventType string) string {
	switch eventType {
	case models.EventApplicationSubmitted:
		return "New job application submitted"
	case models.EventApplicationApproved:
		return "Application approved"
	case models.EventApplicationRejected:
		return "Application rejected"
	case models.EventDeadlineReminder:
		return "Onboarding deadline reminder"
	case models.EventOnboardingComplete:
		return "Onboarding complete"
	case models.EventSystemAlert:
		return "System alert"
	}
	return "Notification"
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

// Start runs the dispatch loop until the context is cancelled.
func Start(ctx context.Context, interval time.Duration, d *Dispatcher) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchReady(ctx); err != nil {
				log.Printf("dispatch loop error: %v", err)
			}
		}
	}
}
