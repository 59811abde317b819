package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

// NewProvider builds the adapter for one outbound channel from its
// configured provider kind. Unknown kinds fall back to the log provider so
// a misconfigured channel degrades loudly instead of dropping sends.
func NewProvider(kind, channelName string) Adapter {
	switch kind {
	case "", "stub", "log":
		return logProvider{channel: channelName}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		url := os.Getenv("NOTIFY_" + strings.ToUpper(channelName) + "_WEBHOOK_URL")
		token := os.Getenv("NOTIFY_" + strings.ToUpper(channelName) + "_WEBHOOK_TOKEN")
		if url == "" {
			return logProvider{channel: channelName}
		}
		return &WebhookProvider{Channel: channelName, URL: url, Token: token}
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return &WebhookProvider{Channel: channelName, URL: kind}
		}
		return logProvider{channel: channelName}
	}
}

type logProvider struct {
	channel string
}

func (p logProvider) Send(ctx context.Context, msg Message) error {
	log.Printf("send channel=%s recipient=%s event=%s body=%q", p.channel, msg.Recipient, msg.EventType, msg.Body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) error {
	return errors.New("provider failure")
}

// WebhookProvider posts the message to an external gateway (mailer, SMS
// relay, push relay). Gateway rejections (4xx) are permanent; network
// errors and 5xx are transient.
type WebhookProvider struct {
	Channel string
	URL     string
	Token   string
	Client  *http.Client
}

func (p *WebhookProvider) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return Permanent(errors.New("empty recipient address"))
	}
	payload := map[string]any{
		"channel":    p.Channel,
		"recipient":  msg.Recipient,
		"subject":    msg.Subject,
		"body":       msg.Body,
		"event_type": msg.EventType,
		"metadata":   msg.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway unavailable: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return Permanent(fmt.Errorf("gateway rejected request: %s", resp.Status))
	}
	return nil
}
