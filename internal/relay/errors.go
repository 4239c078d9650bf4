package relay

import (
	"errors"
	"fmt"
)

// Reason codes carried by send_rejected frames.
const (
	CodeMissingRecipient = "missing_recipient"
	CodeInvalidRecipient = "invalid_recipient"
	CodeEmptyText        = "empty_text"
	CodeTextTooLong      = "text_too_long"
	CodeInvalidRoom      = "invalid_room"
	CodeStoreUnavailable = "store_unavailable"
)

var (
	// ErrQueueFull is returned when a session's outgoing queue has no room.
	ErrQueueFull = errors.New("outgoing queue full")
	// ErrSessionClosed is returned when sending to a session that has ended.
	ErrSessionClosed = errors.New("session closed")
)

// ValidationError rejects a command before any state is touched.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// StoreError reports a failed store operation. Nothing was fanned out.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// DeliveryError reports that a frame could not be queued for one session.
type DeliveryError struct {
	SessionID string
	UserID    string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to session %s (user %s): %v", e.SessionID, e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
