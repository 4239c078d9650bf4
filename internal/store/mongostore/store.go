// Package mongostore is the MongoDB backend of the relay's durable store.
//
// The collection layout matches the one used by the relay's web
// collaborators: conversations carry a unique roomId index and messages
// reference their conversation and room.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/store"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// Config configures Open.
type Config struct {
	URI      string
	Database string
	// MaxPoolSize defaults to 10.
	MaxPoolSize uint64
	Logger      *slog.Logger
	Clock       clock.Clock
}

type conversationDoc struct {
	ID            bson.ObjectID `bson:"_id"`
	RoomID        string        `bson:"roomId"`
	Participants  []string      `bson:"participants"`
	CreatedAt     time.Time     `bson:"createdAt"`
	LastMessageAt time.Time     `bson:"lastMessageAt"`
}

type messageDoc struct {
	ID           bson.ObjectID `bson:"_id"`
	Conversation bson.ObjectID `bson:"conversation"`
	RoomID       string        `bson:"roomId"`
	From         string        `bson:"from"`
	To           string        `bson:"to"`
	Text         string        `bson:"text"`
	Read         bool          `bson:"read"`
	CreatedAt    time.Time     `bson:"createdAt"`
}

// Store implements store.Store on MongoDB.
type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	clock         clock.Clock
	logger        *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies the server is reachable and ensures indexes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongostore: URI is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongostore: Database is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	poolSize := cfg.MaxPoolSize
	if poolSize == 0 {
		poolSize = 10
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(poolSize).
		SetServerSelectionTimeout(5 * time.Second).
		SetTimeout(45 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		clock:         clk,
		logger:        logger,
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("mongo store opened", "database", cfg.Database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "roomId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: conversation indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "to", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: message indexes: %w", err)
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongostore: ping: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if err := s.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("mongostore: disconnect: %w", err)
	}
	s.logger.Info("mongo store closed")
	return nil
}

// FindConversation returns the conversation with the given room key.
func (s *Store) FindConversation(ctx context.Context, roomID string) (store.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "roomId", Value: roomID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Conversation{}, fmt.Errorf("mongostore: conversation %q: %w", roomID, store.ErrNotFound)
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("mongostore: find conversation: %w", err)
	}
	return doc.toConversation(), nil
}

// CreateConversation inserts conv. The unique roomId index turns a racing
// second insert into store.ErrConversationExists.
func (s *Store) CreateConversation(ctx context.Context, conv store.Conversation) (store.Conversation, error) {
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	doc := conversationDoc{
		ID:            bson.NewObjectID(),
		RoomID:        conv.RoomID,
		Participants:  []string{conv.Participants[0], conv.Participants[1]},
		CreatedAt:     conv.CreatedAt,
		LastMessageAt: conv.LastActivity,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.LastMessageAt.IsZero() {
		doc.LastMessageAt = doc.CreatedAt
	}

	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.Conversation{}, fmt.Errorf("mongostore: create conversation %q: %w", conv.RoomID, store.ErrConversationExists)
		}
		return store.Conversation{}, fmt.Errorf("mongostore: create conversation: %w", err)
	}
	return doc.toConversation(), nil
}

// TouchConversation moves lastMessageAt forward to at.
func (s *Store) TouchConversation(ctx context.Context, roomID string, at time.Time) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.D{{Key: "roomId", Value: roomID}},
		bson.D{{Key: "$max", Value: bson.D{{Key: "lastMessageAt", Value: at.UTC()}}}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: touch conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: conversation %q: %w", roomID, store.ErrNotFound)
	}
	return nil
}

// InsertMessage persists msg. CreatedAt is clamped to the newest stored
// message of the room; callers serialize inserts per room, so the
// read-then-insert needs no transaction.
func (s *Store) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	convID, err := bson.ObjectIDFromHex(msg.ConversationID)
	if err != nil {
		return store.Message{}, fmt.Errorf("mongostore: conversation id %q: %w", msg.ConversationID, err)
	}

	createdAt := s.clock.Now().UTC().Truncate(time.Millisecond)
	var last messageDoc
	err = s.messages.FindOne(ctx,
		bson.D{{Key: "roomId", Value: msg.RoomID}},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&last)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		return store.Message{}, fmt.Errorf("mongostore: latest message: %w", err)
	case last.CreatedAt.After(createdAt):
		createdAt = last.CreatedAt.UTC()
	}

	doc := messageDoc{
		ID:           bson.NewObjectID(),
		Conversation: convID,
		RoomID:       msg.RoomID,
		From:         msg.SenderID,
		To:           msg.RecipientID,
		Text:         msg.Text,
		Read:         false,
		CreatedAt:    createdAt,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return store.Message{}, fmt.Errorf("mongostore: insert message: %w", err)
	}

	if err := s.TouchConversation(ctx, msg.RoomID, createdAt); err != nil {
		s.logger.Warn("message stored but conversation not touched",
			"room_id", msg.RoomID,
			"error", err,
		)
	}
	return doc.toMessage(), nil
}

// ListConversations returns the conversations of userID, most recently
// active first, each with its newest message and unread count.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	cursor, err := s.conversations.Find(ctx,
		bson.D{{Key: "participants", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "roomId", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list conversations: %w", err)
	}

	summaries := make([]store.ConversationSummary, 0, len(docs))
	for _, doc := range docs {
		summary := store.ConversationSummary{Conversation: doc.toConversation()}

		var last messageDoc
		err := s.messages.FindOne(ctx,
			bson.D{{Key: "roomId", Value: doc.RoomID}},
			options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
		).Decode(&last)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return nil, fmt.Errorf("mongostore: last message of %q: %w", doc.RoomID, err)
		default:
			summary.LastMessage = &store.LastMessage{
				Text:      last.Text,
				SenderID:  last.From,
				CreatedAt: last.CreatedAt.UTC(),
			}
		}

		unread, err := s.messages.CountDocuments(ctx, bson.D{
			{Key: "roomId", Value: doc.RoomID},
			{Key: "to", Value: userID},
			{Key: "read", Value: false},
		})
		if err != nil {
			return nil, fmt.Errorf("mongostore: unread count of %q: %w", doc.RoomID, err)
		}
		summary.UnreadCount = int(unread)

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ListMessages returns the messages of a room in ascending creation order.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]store.Message, error) {
	cursor, err := s.messages.Find(ctx,
		bson.D{{Key: "roomId", Value: roomID}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list messages: %w", err)
	}

	messages := make([]store.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toMessage())
	}
	return messages, nil
}

// MarkRead flags the room's unread messages addressed to recipientID.
func (s *Store) MarkRead(ctx context.Context, roomID, recipientID string) (int, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.D{
			{Key: "roomId", Value: roomID},
			{Key: "to", Value: recipientID},
			{Key: "read", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "read", Value: true}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongostore: mark read: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (d conversationDoc) toConversation() store.Conversation {
	var participants [2]string
	copy(participants[:], d.Participants)
	return store.Conversation{
		ID:           d.ID.Hex(),
		RoomID:       d.RoomID,
		Participants: participants,
		CreatedAt:    d.CreatedAt.UTC(),
		LastActivity: d.LastMessageAt.UTC(),
	}
}

func (d messageDoc) toMessage() store.Message {
	return store.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.Conversation.Hex(),
		RoomID:         d.RoomID,
		SenderID:       d.From,
		RecipientID:    d.To,
		Text:           d.Text,
		CreatedAt:      d.CreatedAt.UTC(),
		Read:           d.Read,
	}
}
