package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"lodgehr/notify-service/internal/channel"
	"lodgehr/notify-service/internal/models"
	"lodgehr/notify-service/internal/store"
)

type memStore struct {
	mu            sync.Mutex
	notifications map[string]*models.Notification
	order         []string
	dlq           []string
}

func newMemStore() *memStore {
	return &memStore{notifications: make(map[string]*models.Notification)}
}

func (s *memStore) InsertNotification(ctx context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := n
	s.notifications[n.NotificationID] = &copied
	s.order = append(s.order, n.NotificationID)
	return nil
}

func (s *memStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Notification
	for _, id := range s.order {
		n := s.notifications[id]
		if n.Status != models.StatusPending && n.Status != models.StatusSent {
			continue
		}
		if n.ScheduledFor.After(now) {
			continue
		}
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, *n)
	}
	sort.SliceStable(due, func(i, j int) bool {
		ri, rj := models.PriorityRank(due[i].Priority), models.PriorityRank(due[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id string, delivered []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[id]
	if !models.ValidTransition(n.Status, models.StatusDelivered) {
		return store.ErrInvalidState
	}
	n.Status = models.StatusDelivered
	n.Delivered = delivered
	n.NextAttemptAt = nil
	n.LastError = ""
	return nil
}

func (s *memStore) MarkRetry(ctx context.Context, id string, delivered []string, status, lastError string, retryCount int, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[id]
	if !models.ValidTransition(n.Status, status) {
		return store.ErrInvalidState
	}
	n.Status = status
	n.Delivered = delivered
	n.LastError = lastError
	n.RetryCount = retryCount
	next := nextAttemptAt
	n.NextAttemptAt = &next
	return nil
}

func (s *memStore) MarkDeadLettered(ctx context.Context, id string, delivered []string, lastError string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[id]
	if !models.ValidTransition(n.Status, models.StatusDeadLettered) {
		return store.ErrInvalidState
	}
	n.Status = models.StatusDeadLettered
	n.Delivered = delivered
	n.LastError = lastError
	n.RetryCount = retryCount
	n.NextAttemptAt = nil
	return nil
}

func (s *memStore) MarkExpired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.notifications[id]
	if !models.ValidTransition(n.Status, models.StatusExpired) {
		return store.ErrInvalidState
	}
	n.Status = models.StatusExpired
	return nil
}

func (s *memStore) InsertDLQ(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, id)
	return nil
}

func (s *memStore) MarkRead(ctx context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return store.ErrNotificationNotFound
	}
	if n.ReadAt == nil {
		now := time.Now()
		n.ReadAt = &now
	}
	return nil
}

func (s *memStore) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int, cursor string) ([]models.Notification, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, id := range s.order {
		n := s.notifications[id]
		if n.RecipientID != recipientID {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, *n)
	}
	return out, "", nil
}

func (s *memStore) get(id string) models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.notifications[id]
}

type memDirectory struct {
	recipients map[string]store.Recipient
	staff      map[string][]store.Recipient
}

func (d *memDirectory) GetRecipient(ctx context.Context, userID string) (store.Recipient, error) {
	recipient, ok := d.recipients[userID]
	if !ok {
		return store.Recipient{}, store.ErrRecipientNotFound
	}
	return recipient, nil
}

func (d *memDirectory) ListPropertyStaff(ctx context.Context, propertyID string, roles []string) ([]store.Recipient, error) {
	return d.staff[propertyID], nil
}

type scriptedAdapter struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (a *scriptedAdapter) Send(ctx context.Context, msg channel.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

type memBroadcaster struct {
	mu    sync.Mutex
	rooms []string
}

func (b *memBroadcaster) Broadcast(roomKey string, payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = append(b.rooms, roomKey)
	return 1
}

type harness struct {
	store      *memStore
	directory  *memDirectory
	broadcast  *memBroadcaster
	inApp      *scriptedAdapter
	email      *scriptedAdapter
	dispatcher *Dispatcher
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		directory: &memDirectory{
			recipients: map[string]store.Recipient{
				"u1": {UserID: "u1", Role: models.RoleManager, Email: "u1@lodgehr.test", Phone: "5550001111", DeviceToken: "tok1"},
			},
			staff: make(map[string][]store.Recipient),
		},
		broadcast: &memBroadcaster{},
		inApp:     &scriptedAdapter{},
		email:     &scriptedAdapter{},
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.dispatcher = New(h.store, h.directory, h.broadcast, map[string]channel.Adapter{
		models.ChannelInApp: h.inApp,
		models.ChannelEmail: h.email,
	}, Config{
		MaxRetries:     3,
		BackoffBase:    time.Minute,
		BackoffCap:     10 * time.Minute,
		AdapterTimeout: time.Second,
		Workers:        2,
		BatchSize:      10,
	})
	h.dispatcher.now = func() time.Time { return h.now }
	h.dispatcher.jitter = func(time.Duration) time.Duration { return 0 }
	return h
}

func (h *harness) enqueue(t *testing.T, input EnqueueInput) string {
	t.Helper()
	id, err := h.dispatcher.Enqueue(context.Background(), input)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	past := h.now.Add(-time.Hour)
	future := h.now.Add(time.Hour)

	cases := []struct {
		name  string
		input EnqueueInput
	}{
		{"missing recipient", EnqueueInput{EventType: models.EventSystemAlert, Channels: []string{models.ChannelInApp}}},
		{"unknown event type", EnqueueInput{RecipientID: "u1", EventType: "ticket.created", Channels: []string{models.ChannelInApp}}},
		{"empty channels", EnqueueInput{RecipientID: "u1", EventType: models.EventSystemAlert}},
		{"unknown channel", EnqueueInput{RecipientID: "u1", EventType: models.EventSystemAlert, Channels: []string{"fax"}}},
		{"unknown priority", EnqueueInput{RecipientID: "u1", EventType: models.EventSystemAlert, Channels: []string{models.ChannelInApp}, Priority: "asap"}},
		{"scheduled in past", EnqueueInput{RecipientID: "u1", EventType: models.EventSystemAlert, Channels: []string{models.ChannelInApp}, ScheduledFor: &past}},
		{"expires before scheduled", EnqueueInput{RecipientID: "u1", EventType: models.EventSystemAlert, Channels: []string{models.ChannelInApp}, ScheduledFor: &future, ExpiresAt: &h.now}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.dispatcher.Enqueue(context.Background(), tc.input); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestDispatchDeliversAllChannels(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventApplicationSubmitted,
		Channels:    []string{models.ChannelInApp, models.ChannelEmail},
	})

	processed, err := h.dispatcher.DispatchReady(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	n := h.store.get(id)
	if n.Status != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", n.Status)
	}
	if len(n.Delivered) != 2 {
		t.Fatalf("expected both channels delivered, got %v", n.Delivered)
	}
	if h.inApp.calls != 1 || h.email.calls != 1 {
		t.Fatalf("expected one call per adapter, got in_app=%d email=%d", h.inApp.calls, h.email.calls)
	}
}

func TestTransientRetryThenDelivered(t *testing.T) {
	h := newHarness(t)
	h.email.errs = []error{errors.New("gateway timeout"), errors.New("gateway timeout")}
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventApplicationApproved,
		Channels:    []string{models.ChannelInApp, models.ChannelEmail},
		Priority:    models.PriorityHigh,
	})

	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n := h.store.get(id)
	if n.Status != models.StatusSent {
		t.Fatalf("expected sent after partial delivery, got %s", n.Status)
	}
	if n.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", n.RetryCount)
	}
	if n.NextAttemptAt == nil || !n.NextAttemptAt.Equal(h.now.Add(time.Minute)) {
		t.Fatalf("unexpected next attempt: %v", n.NextAttemptAt)
	}

	// Not due yet.
	if processed, _ := h.dispatcher.DispatchReady(context.Background()); processed != 0 {
		t.Fatalf("expected nothing due before backoff elapses, got %d", processed)
	}

	h.now = h.now.Add(2 * time.Minute)
	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n = h.store.get(id)
	if n.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", n.RetryCount)
	}

	h.now = h.now.Add(5 * time.Minute)
	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n = h.store.get(id)
	if n.Status != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", n.Status)
	}
	if n.RetryCount != 2 {
		t.Fatalf("expected final retry_count=2, got %d", n.RetryCount)
	}
	if h.inApp.calls != 1 {
		t.Fatalf("in-app must not resend after delivery, calls=%d", h.inApp.calls)
	}
	if h.email.calls != 3 {
		t.Fatalf("expected three email attempts, got %d", h.email.calls)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	h.email.errs = []error{channel.Permanent(errors.New("mailbox does not exist"))}
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventDeadlineReminder,
		Channels:    []string{models.ChannelEmail},
	})

	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n := h.store.get(id)
	if n.Status != models.StatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", n.Status)
	}
	if n.RetryCount != 0 {
		t.Fatalf("permanent failure must not consume retries, got %d", n.RetryCount)
	}
	if len(h.store.dlq) != 1 || h.store.dlq[0] != id {
		t.Fatalf("expected DLQ entry for %s, got %v", id, h.store.dlq)
	}
	if h.email.calls != 1 {
		t.Fatalf("permanent failure must not be retried, calls=%d", h.email.calls)
	}
}

func TestRetryBound(t *testing.T) {
	h := newHarness(t)
	h.email.errs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
		errors.New("down"), errors.New("down"),
	}
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventSystemAlert,
		Channels:    []string{models.ChannelEmail},
	})

	for i := 0; i < 5; i++ {
		if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		h.now = h.now.Add(15 * time.Minute)
	}

	n := h.store.get(id)
	if n.Status != models.StatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", n.Status)
	}
	if n.RetryCount != 3 {
		t.Fatalf("retry_count must stop at max_retries, got %d", n.RetryCount)
	}
	if h.email.calls != 3 {
		t.Fatalf("expected exactly max_retries attempts, got %d", h.email.calls)
	}
}

func TestExpiredShortCircuits(t *testing.T) {
	h := newHarness(t)
	expires := h.now.Add(30 * time.Minute)
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventDeadlineReminder,
		Channels:    []string{models.ChannelEmail},
		ExpiresAt:   &expires,
	})

	h.now = h.now.Add(time.Hour)
	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n := h.store.get(id)
	if n.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", n.Status)
	}
	if h.email.calls != 0 {
		t.Fatalf("expired notification must not reach adapters, calls=%d", h.email.calls)
	}
}

func TestPartialDeliveryExpires(t *testing.T) {
	h := newHarness(t)
	h.email.errs = []error{errors.New("gateway timeout")}
	expires := h.now.Add(30 * time.Minute)
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "u1",
		EventType:   models.EventDeadlineReminder,
		Channels:    []string{models.ChannelInApp, models.ChannelEmail},
		ExpiresAt:   &expires,
	})

	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n := h.store.get(id)
	if n.Status != models.StatusSent {
		t.Fatalf("expected sent after partial delivery, got %s", n.Status)
	}

	h.now = h.now.Add(time.Hour)
	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	n = h.store.get(id)
	if n.Status != models.StatusExpired {
		t.Fatalf("expected partially delivered notification to expire, got %s", n.Status)
	}
	if h.email.calls != 1 {
		t.Fatalf("expired notification must not retry, email calls=%d", h.email.calls)
	}
}

func TestScheduledNotificationWaits(t *testing.T) {
	h := newHarness(t)
	scheduled := h.now.Add(time.Hour)
	id := h.enqueue(t, EnqueueInput{
		RecipientID:  "u1",
		EventType:    models.EventDeadlineReminder,
		Channels:     []string{models.ChannelInApp},
		ScheduledFor: &scheduled,
	})

	if processed, _ := h.dispatcher.DispatchReady(context.Background()); processed != 0 {
		t.Fatalf("expected nothing due, got %d", processed)
	}

	h.now = scheduled.Add(time.Second)
	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if n := h.store.get(id); n.Status != models.StatusDelivered {
		t.Fatalf("expected delivered once due, got %s", n.Status)
	}
}

func TestMissingRecipientDeadLetters(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, EnqueueInput{
		RecipientID: "ghost",
		EventType:   models.EventSystemAlert,
		Channels:    []string{models.ChannelEmail},
	})

	if _, err := h.dispatcher.DispatchReady(context.Background()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if n := h.store.get(id); n.Status != models.StatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", n.Status)
	}
}

func TestBackoffMonotoneAndCapped(t *testing.T) {
	h := newHarness(t)
	previous := time.Duration(0)
	for retry := 0; retry < 8; retry++ {
		delay := h.dispatcher.backoffDelay(retry)
		if delay > 10*time.Minute {
			t.Fatalf("delay %v exceeds cap at retry %d", delay, retry)
		}
		if delay < previous {
			t.Fatalf("delay %v decreased at retry %d (previous %v)", delay, retry, previous)
		}
		previous = delay
	}
	if h.dispatcher.backoffDelay(0) >= h.dispatcher.backoffDelay(2) {
		t.Fatalf("backoff must grow before the cap")
	}
}

func TestRaiseEventFanout(t *testing.T) {
	h := newHarness(t)
	h.directory.staff["propA"] = []store.Recipient{
		{UserID: "mgr1", Role: models.RoleManager, Channels: []string{models.ChannelInApp, models.ChannelEmail}},
		{UserID: "emp1", Role: models.RoleEmployee},
	}

	enqueued, err := h.dispatcher.RaiseEvent(context.Background(), EventInput{
		EventType:  models.EventApplicationSubmitted,
		PropertyID: "propA",
		Payload:    []byte(`{"application_id":"app-1"}`),
		Priority:   models.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("raise event failed: %v", err)
	}
	if enqueued != 2 {
		t.Fatalf("expected 2 enqueued, got %d", enqueued)
	}
	if len(h.broadcast.rooms) != 1 || h.broadcast.rooms[0] != "property:propA" {
		t.Fatalf("expected live broadcast to property room, got %v", h.broadcast.rooms)
	}

	notifications, _, err := h.store.ListByRecipient(context.Background(), "emp1", false, 10, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected one notification for emp1, got %d", len(notifications))
	}
	if len(notifications[0].Channels) != 1 || notifications[0].Channels[0] != models.ChannelInApp {
		t.Fatalf("expected in-app default for empty preferences, got %v", notifications[0].Channels)
	}
}

func TestRaiseEventValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.dispatcher.RaiseEvent(context.Background(), EventInput{EventType: "nope", PropertyID: "propA"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := h.dispatcher.RaiseEvent(context.Background(), EventInput{EventType: models.EventSystemAlert}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
