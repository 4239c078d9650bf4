// Package store defines the durable records of the relay and the storage
// contract its backends implement.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("not found")
	// ErrConversationExists is returned by CreateConversation when a
	// conversation with the same room key is already stored.
	ErrConversationExists = errors.New("conversation already exists")
)

// Conversation is the durable record of a two-party room.
type Conversation struct {
	ID           string
	RoomID       string
	Participants [2]string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Message is an immutable persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	RoomID         string
	SenderID       string
	RecipientID    string
	Text           string
	CreatedAt      time.Time
	Read           bool
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	Text      string
	SenderID  string
	CreatedAt time.Time
}

// ConversationSummary is a row of a user's conversation list.
type ConversationSummary struct {
	Conversation Conversation
	LastMessage  *LastMessage
	UnreadCount  int
}

// Store persists conversations and messages.
//
// CreateConversation must be an insert guarded by a unique room key so that
// concurrent creators of the same pair observe ErrConversationExists instead
// of producing duplicates. InsertMessage assigns CreatedAt; the value it
// assigns is never earlier than the newest message already stored for the
// same room.
type Store interface {
	FindConversation(ctx context.Context, roomID string) (Conversation, error)
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	TouchConversation(ctx context.Context, roomID string, at time.Time) error

	InsertMessage(ctx context.Context, msg Message) (Message, error)

	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, roomID string) ([]Message, error)
	MarkRead(ctx context.Context, roomID, recipientID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
