// Package storetest holds the behavioural tests every store.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/store"
)

// Factory opens an empty store that reads time from clk.
type Factory func(t *testing.T, clk clock.Clock) store.Store

// Epoch is the starting time of the fake clock handed to factories.
var Epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// Run executes the full contract against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, open) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, open) })
	t.Run("Touch", func(t *testing.T) { testTouch(t, open) })
	t.Run("InsertMessage", func(t *testing.T) { testInsertMessage(t, open) })
	t.Run("CreatedAtNeverGoesBackwards", func(t *testing.T) { testCreatedAtMonotonic(t, open) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, open) })
}

func newConversation(a, b string) store.Conversation {
	return store.Conversation{RoomID: a + "_" + b, Participants: [2]string{a, b}}
}

func testCreateAndFind(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, clock.Fake(Epoch))

	_, err := s.FindConversation(ctx, "alice_bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	created, err := s.CreateConversation(ctx, newConversation("alice", "bob"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.CreatedAt.Equal(Epoch))

	found, err := s.FindConversation(ctx, "alice_bob")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, [2]string{"alice", "bob"}, found.Participants)

	_, err = s.CreateConversation(ctx, newConversation("alice", "bob"))
	assert.ErrorIs(t, err, store.ErrConversationExists)
}

func testConcurrentCreate(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, clock.Fake(Epoch))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateConversation(ctx, newConversation("carol", "dave"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, store.ErrConversationExists):
				exists++
			default:
				t.Errorf("CreateConversation: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, exists)
}

func testTouch(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, clock.Fake(Epoch))

	_, err := s.CreateConversation(ctx, newConversation("alice", "bob"))
	require.NoError(t, err)

	later := Epoch.Add(time.Hour)
	require.NoError(t, s.TouchConversation(ctx, "alice_bob", later))
	require.NoError(t, s.TouchConversation(ctx, "alice_bob", Epoch.Add(time.Minute)))

	found, err := s.FindConversation(ctx, "alice_bob")
	require.NoError(t, err)
	assert.True(t, found.LastActivity.Equal(later), "last activity %v, want %v", found.LastActivity, later)

	err = s.TouchConversation(ctx, "nobody_x", later)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInsertMessage(t *testing.T, open Factory) {
	ctx := context.Background()
	clk := clock.Fake(Epoch)
	s := open(t, clk)

	conv, err := s.CreateConversation(ctx, newConversation("alice", "bob"))
	require.NoError(t, err)

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		clk.Advance(time.Second)
		msg, err := s.InsertMessage(ctx, store.Message{
			ConversationID: conv.ID,
			RoomID:         conv.RoomID,
			SenderID:       "alice",
			RecipientID:    "bob",
			Text:           text,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Read)
		assert.True(t, msg.CreatedAt.Equal(clk.Now()), "created at %v, want %v", msg.CreatedAt, clk.Now())
	}

	messages, err := s.ListMessages(ctx, "alice_bob")
	require.NoError(t, err)
	require.Len(t, messages, len(texts))
	for i, msg := range messages {
		assert.Equal(t, texts[i], msg.Text)
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "bob", msg.RecipientID)
		assert.False(t, msg.Read)
	}

	found, err := s.FindConversation(ctx, "alice_bob")
	require.NoError(t, err)
	assert.True(t, found.LastActivity.Equal(clk.Now()))

	empty, err := s.ListMessages(ctx, "nobody_x")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testCreatedAtMonotonic(t *testing.T, open Factory) {
	ctx := context.Background()
	clk := clock.Fake(Epoch)
	s := open(t, clk)

	conv, err := s.CreateConversation(ctx, newConversation("alice", "bob"))
	require.NoError(t, err)

	insert := func(text string) store.Message {
		msg, err := s.InsertMessage(ctx, store.Message{
			ConversationID: conv.ID,
			RoomID:         conv.RoomID,
			SenderID:       "bob",
			RecipientID:    "alice",
			Text:           text,
		})
		require.NoError(t, err)
		return msg
	}

	clk.Advance(time.Minute)
	first := insert("before skew")
	clk.Set(Epoch)
	second := insert("after skew")

	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	messages, err := s.ListMessages(ctx, conv.RoomID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "before skew", messages[0].Text)
	assert.Equal(t, "after skew", messages[1].Text)
}

func testListConversations(t *testing.T, open Factory) {
	ctx := context.Background()
	clk := clock.Fake(Epoch)
	s := open(t, clk)

	ab, err := s.CreateConversation(ctx, newConversation("alice", "bob"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	ac, err := s.CreateConversation(ctx, newConversation("alice", "carol"))
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, newConversation("bob", "carol"))
	require.NoError(t, err)

	clk.Advance(time.Second)
	for _, text := range []string{"hi alice", "you there?"} {
		_, err := s.InsertMessage(ctx, store.Message{
			ConversationID: ab.ID, RoomID: ab.RoomID,
			SenderID: "bob", RecipientID: "alice", Text: text,
		})
		require.NoError(t, err)
	}

	summaries, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, ab.RoomID, summaries[0].Conversation.RoomID)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "you there?", summaries[0].LastMessage.Text)
	assert.Equal(t, "bob", summaries[0].LastMessage.SenderID)
	assert.Equal(t, 2, summaries[0].UnreadCount)

	assert.Equal(t, ac.RoomID, summaries[1].Conversation.RoomID)
	assert.Nil(t, summaries[1].LastMessage)
	assert.Equal(t, 0, summaries[1].UnreadCount)

	bobView, err := s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobView, 2)
	for _, summary := range bobView {
		assert.Equal(t, 0, summary.UnreadCount, "bob sent the messages in %s", summary.Conversation.RoomID)
	}

	updated, err := s.MarkRead(ctx, ab.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	updated, err = s.MarkRead(ctx, ab.RoomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	summaries, err = s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, summaries[0].UnreadCount)

	messages, err := s.ListMessages(ctx, ab.RoomID)
	require.NoError(t, err)
	for _, msg := range messages {
		assert.True(t, msg.Read)
	}
}
