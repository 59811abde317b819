package hub

import (
	"encoding/json"
	"time"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionHeartbeat   = "heartbeat"
	ActionAck         = "ack"
)

// ClientMessage is one control message on the realtime connection, decoded
// and dispatched through a single switch per connection.
type ClientMessage struct {
	Action         string `json:"action"`
	Room           string `json:"room,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

func ParseClientMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionHeartbeat, ActionAck:
		return msg, true
	}
	return ClientMessage{}, false
}

type eventFrame struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ackFrame struct {
	Type string `json:"type"`
}

type connectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

func EventFrame(roomKey, eventType string, payload []byte, createdAt time.Time) []byte {
	frame, _ := json.Marshal(eventFrame{
		Type:      "event",
		Room:      roomKey,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
	return frame
}

func ErrorFrame(code, message string) []byte {
	frame, _ := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	return frame
}

func HeartbeatAckFrame() []byte {
	frame, _ := json.Marshal(ackFrame{Type: "heartbeat_ack"})
	return frame
}

func ConnectedFrame(connID string) []byte {
	frame, _ := json.Marshal(connectedFrame{Type: "connected", ConnectionID: connID})
	return frame
}
