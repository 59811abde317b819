package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lodgehr/notify-service/internal/hub"
)

// Broadcaster is the room fan-out the in-app adapter delivers through.
type Broadcaster interface {
	Broadcast(roomKey string, payload []byte) int
}

// InApp delivers to the recipient's personal room. By default delivery is
// best effort: the send counts as delivered as soon as the broadcast
// returns, whether or not a connection was live — a disconnected recipient
// picks the notification up from the read-side list instead. With
// RequireReceipt set, a zero-member broadcast is a transient failure and
// the dispatcher retries.
type InApp struct {
	Hub            Broadcaster
	RequireReceipt bool
}

func NewInApp(broadcaster Broadcaster, requireReceipt bool) *InApp {
	return &InApp{Hub: broadcaster, RequireReceipt: requireReceipt}
}

func (a *InApp) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return Permanent(errors.New("empty recipient user id"))
	}
	payload, err := json.Marshal(map[string]any{
		"notification_id": msg.NotificationID,
		"subject":         msg.Subject,
		"body":            msg.Body,
		"metadata":        msg.Metadata,
	})
	if err != nil {
		return Permanent(err)
	}
	roomKey := hub.UserRoom(msg.Recipient)
	delivered := a.Hub.Broadcast(roomKey, hub.EventFrame(roomKey, msg.EventType, payload, time.Now().UTC()))
	if a.RequireReceipt && delivered == 0 {
		return errors.New("no live connection for recipient")
	}
	return nil
}
