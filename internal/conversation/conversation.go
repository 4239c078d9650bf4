// Package conversation derives canonical room keys for user pairs and
// resolves them to durable conversation records.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/store"
)

// Separator joins the two participants of a room key. auth.ValidUserID
// never admits it.
const Separator = "_"

// ErrInvalidRoomKey is returned by ParseRoomKey for malformed keys.
var ErrInvalidRoomKey = errors.New("invalid room key")

// RoomKey returns the canonical key of the conversation between a and b.
// It is symmetric: RoomKey(a, b) == RoomKey(b, a).
func RoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// ParseRoomKey splits a canonical room key into its two participants.
func ParseRoomKey(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok || !auth.ValidUserID(a) || !auth.ValidUserID(b) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoomKey, key)
	}
	if a > b {
		return "", "", fmt.Errorf("%w: %q is not in canonical order", ErrInvalidRoomKey, key)
	}
	return a, b, nil
}

// HasParticipant reports whether userID is one of the participants of key.
func HasParticipant(key, userID string) bool {
	a, b, err := ParseRoomKey(key)
	return err == nil && (a == userID || b == userID)
}

// Resolver loads or lazily creates the conversation of a user pair.
type Resolver struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewResolver creates a Resolver over s.
func NewResolver(s store.Store, clk clock.Clock, logger *slog.Logger) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{store: s, clock: clk, logger: logger}
}

// Resolve returns the conversation between a and b, creating it on first
// use and otherwise refreshing its last-activity timestamp. A concurrent
// creator winning the race is not an error: the losing side re-fetches the
// record the winner stored.
func (r *Resolver) Resolve(ctx context.Context, a, b string) (store.Conversation, error) {
	key := RoomKey(a, b)

	conv, err := r.store.FindConversation(ctx, key)
	if err == nil {
		if err := r.store.TouchConversation(ctx, key, r.clock.Now().UTC()); err != nil {
			return store.Conversation{}, fmt.Errorf("touch conversation %s: %w", key, err)
		}
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, fmt.Errorf("find conversation %s: %w", key, err)
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	conv, err = r.store.CreateConversation(ctx, store.Conversation{
		RoomID:       key,
		Participants: [2]string{first, second},
	})
	if err == nil {
		r.logger.Info("conversation created",
			"room_id", key,
			"conversation_id", conv.ID,
		)
		return conv, nil
	}
	if !errors.Is(err, store.ErrConversationExists) {
		return store.Conversation{}, fmt.Errorf("create conversation %s: %w", key, err)
	}

	r.logger.Debug("conversation created concurrently, re-fetching", "room_id", key)
	conv, err = r.store.FindConversation(ctx, key)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("re-fetch conversation %s: %w", key, err)
	}
	return conv, nil
}
