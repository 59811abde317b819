package channel

import (
	"context"
	"errors"
)

// Message is one delivery request for one channel. Recipient is the
// channel-specific address (user id, email, phone number, device token).
type Message struct {
	NotificationID string
	EventType      string
	Recipient      string
	Subject        string
	Body           string
	Metadata       map[string]string
}

// Adapter sends a message over one delivery channel. Permanent failures
// (invalid address, rejected payload) are wrapped with Permanent so the
// dispatcher dead-letters instead of retrying.
type Adapter interface {
	Send(ctx context.Context, msg Message) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
