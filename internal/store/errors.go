package store

import "errors"

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrRecipientNotFound    = errors.New("recipient not found")
	ErrManagerNotFound      = errors.New("manager not found")
	ErrInvalidState         = errors.New("invalid notification state")
)
