package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/conversation"
	"github.com/omochice/pairchat/internal/store"
	"github.com/omochice/pairchat/pkg/protocol"
)

// DefaultMaxTextLength bounds message text in runes.
const DefaultMaxTextLength = 4000

const roomLockStripes = 64

// RouterConfig configures a Router.
type RouterConfig struct {
	MaxTextLength int
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Delivery describes the outcome of a successful Send.
type Delivery struct {
	Message store.Message
	// Delivered counts the sessions the message was queued for.
	Delivered int
}

// Router persists messages and fans them out to the sessions joined to the
// conversation's room.
type Router struct {
	store    store.Store
	resolver *conversation.Resolver
	presence *Presence
	rooms    *Rooms
	maxText  int
	logger   *slog.Logger

	locks [roomLockStripes]sync.Mutex
}

// NewRouter creates a Router.
func NewRouter(s store.Store, presence *Presence, rooms *Rooms, cfg RouterConfig) *Router {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		store:    s,
		resolver: conversation.NewResolver(s, cfg.Clock, cfg.Logger),
		presence: presence,
		rooms:    rooms,
		maxText:  cfg.MaxTextLength,
		logger:   cfg.Logger,
	}
}

// Send persists text from the sender's session to recipientID and delivers
// it to every session joined to their room. Both the sender's session and
// the recipient's session, when online, are joined first.
func (r *Router) Send(ctx context.Context, from *Session, recipientID, text string) (Delivery, error) {
	text, err := r.validate(from.UserID(), recipientID, text)
	if err != nil {
		return Delivery{}, err
	}

	key := conversation.RoomKey(from.UserID(), recipientID)
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	conv, err := r.resolver.Resolve(ctx, from.UserID(), recipientID)
	if err != nil {
		return Delivery{}, &StoreError{Op: "resolve conversation", Err: err}
	}

	msg, err := r.store.InsertMessage(ctx, store.Message{
		ConversationID: conv.ID,
		RoomID:         key,
		SenderID:       from.UserID(),
		RecipientID:    recipientID,
		Text:           text,
	})
	if err != nil {
		return Delivery{}, &StoreError{Op: "insert message", Err: err}
	}

	frame := protocol.NewMessageDelivered(protocol.MessageDelivered{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		RoomID:         msg.RoomID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	})
	data, err := frame.Encode()
	if err != nil {
		return Delivery{Message: msg}, fmt.Errorf("encode delivery: %w", err)
	}

	r.rooms.Join(key, from)
	if peer, ok := r.presence.Lookup(recipientID); ok {
		r.rooms.Join(key, peer)
	}

	delivered := 0
	for _, s := range r.rooms.Members(key) {
		if err := s.Send(data); err != nil {
			r.logger.Warn("delivery failed",
				"room_id", key,
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	r.logger.Debug("message routed",
		"room_id", key,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"delivered", delivered,
	)
	return Delivery{Message: msg, Delivered: delivered}, nil
}

// validate returns the trimmed text or a *ValidationError.
func (r *Router) validate(senderID, recipientID, text string) (string, error) {
	switch {
	case recipientID == "":
		return "", &ValidationError{Code: CodeMissingRecipient, Reason: "recipient is required"}
	case !auth.ValidUserID(recipientID):
		return "", &ValidationError{Code: CodeInvalidRecipient, Reason: "recipient is not a valid user id"}
	case recipientID == senderID:
		return "", &ValidationError{Code: CodeInvalidRecipient, Reason: "cannot send a message to yourself"}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ValidationError{Code: CodeEmptyText, Reason: "text is empty"}
	}
	if n := utf8.RuneCountInString(text); n > r.maxText {
		return "", &ValidationError{
			Code:   CodeTextTooLong,
			Reason: fmt.Sprintf("text has %d characters, limit is %d", n, r.maxText),
		}
	}
	return text, nil
}

func (r *Router) lockFor(room string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(room))
	return &r.locks[h.Sum32()%roomLockStripes]
}
