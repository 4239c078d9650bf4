package relay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/relay"
	"github.com/omochice/pairchat/internal/store"
	"github.com/omochice/pairchat/pkg/protocol"
)

func TestManager_PresenceBroadcast(t *testing.T) {
	h := newHarness(t, nil)

	alice, _ := h.connect(t, "alice")
	waitFrame(t, alice, isPresence("alice"))

	bob, bobDone := h.connect(t, "bob")
	waitFrame(t, alice, isPresence("alice", "bob"))
	waitFrame(t, bob, isPresence("alice", "bob"))
	assert.Equal(t, 2, h.manager.SessionCount())

	bob.Close()
	require.NoError(t, waitServe(t, bobDone))

	require.Eventually(t, func() bool {
		n := 0
		for _, f := range alice.frames(t) {
			if isPresence("alice")(f) {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.presence.IsOnline("bob"))
	assert.Equal(t, 1, h.manager.SessionCount())
}

func TestManager_TwoOnlineUsersExchange(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")
	bob, _ := h.connect(t, "bob")

	alice.send(t, protocol.NewSendMessage("bob", "hi"))

	toAlice := waitFrame(t, alice, isDelivery("hi")).MessageDelivered
	toBob := waitFrame(t, bob, isDelivery("hi")).MessageDelivered
	assert.Equal(t, toAlice.ID, toBob.ID)
	assert.Equal(t, "alice_bob", toBob.RoomID)
	assert.Equal(t, "alice", toBob.SenderID)
	assert.Equal(t, "bob", toBob.RecipientID)

	bob.send(t, protocol.NewSendMessage("alice", "hello back"))
	waitFrame(t, alice, isDelivery("hello back"))

	msgs, err := h.store.ListMessages(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hello back", msgs[1].Text)
}

func TestManager_OfflineRecipientThenJoin(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")

	alice.send(t, protocol.NewSendMessage("bob", "ping"))
	waitFrame(t, alice, isDelivery("ping"))

	msgs, err := h.store.ListMessages(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Read)

	bob, _ := h.connect(t, "bob")
	bob.send(t, protocol.NewJoinRoom("alice_bob"))
	require.Eventually(t, func() bool {
		s, _ := h.presence.Lookup("bob")
		return h.rooms.Joined("alice_bob", s)
	}, 2*time.Second, 5*time.Millisecond)

	alice.send(t, protocol.NewSendMessage("bob", "pong?"))
	waitFrame(t, bob, isDelivery("pong?"))
	assert.Len(t, bob.deliveries(t), 1)
}

func TestManager_JoinForeignRoomRejected(t *testing.T) {
	h := newHarness(t, nil)
	carol, carolDone := h.connect(t, "carol")

	carol.send(t, protocol.NewJoinRoom("alice_bob"))
	waitFrame(t, carol, isRejection(relay.CodeInvalidRoom))

	carol.send(t, protocol.NewJoinRoom("not a room"))
	require.Eventually(t, func() bool {
		return len(carol.rejections(t)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.rooms.RoomCount())

	carol.send(t, protocol.NewSendMessage("alice", "still here"))
	waitFrame(t, carol, isDelivery("still here"))
	select {
	case err := <-carolDone:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}
}

func TestManager_WhitespaceRejectedWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")
	bob, _ := h.connect(t, "bob")

	alice.send(t, protocol.NewSendMessage("bob", "   "))
	waitFrame(t, alice, isRejection(relay.CodeEmptyText))

	convs, err := h.store.ListConversations(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, bob.deliveries(t))
	assert.Empty(t, bob.rejections(t))
}

func TestManager_MalformedFrameIgnored(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")

	alice.readCh <- []byte{0xff, 0xff, 0xff}
	alice.send(t, protocol.NewSendMessage("bob", "after garbage"))

	waitFrame(t, alice, isDelivery("after garbage"))
	assert.False(t, alice.isClosed())
}

func TestManager_InOrderDelivery(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")
	bob, _ := h.connect(t, "bob")
	bob.send(t, protocol.NewJoinRoom("alice_bob"))
	require.Eventually(t, func() bool {
		s, _ := h.presence.Lookup("bob")
		return h.rooms.Joined("alice_bob", s)
	}, 2*time.Second, 5*time.Millisecond)

	const perSender = 15
	go func() {
		for i := range perSender {
			alice.send(t, protocol.NewSendMessage("bob", fmt.Sprintf("a%d", i)))
		}
	}()
	go func() {
		for i := range perSender {
			bob.send(t, protocol.NewSendMessage("alice", fmt.Sprintf("b%d", i)))
		}
	}()

	require.Eventually(t, func() bool {
		return len(alice.deliveries(t)) == 2*perSender && len(bob.deliveries(t)) == 2*perSender
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := h.store.ListMessages(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.Len(t, stored, 2*perSender)

	for _, got := range [][]protocol.MessageDelivered{alice.deliveries(t), bob.deliveries(t)} {
		for i, m := range got {
			assert.Equal(t, stored[i].ID, m.ID, "delivery %d out of order", i)
			if i > 0 {
				assert.False(t, m.CreatedAt.Before(got[i-1].CreatedAt), "created-at went backwards at %d", i)
			}
		}
	}
}

func TestManager_ReconnectKeepsNewestSession(t *testing.T) {
	h := newHarness(t, nil)
	observer, _ := h.connect(t, "bob")

	first, firstDone := h.connect(t, "alice")
	second, _ := h.connect(t, "alice")

	first.Close()
	require.NoError(t, waitServe(t, firstDone))

	assert.True(t, h.presence.IsOnline("alice"))
	s, _ := h.presence.Lookup("alice")
	assert.Equal(t, relay.Conn(second), s.Conn)

	observer.send(t, protocol.NewSendMessage("alice", "which one?"))
	waitFrame(t, second, isDelivery("which one?"))
	assert.Empty(t, first.deliveries(t))
}

func TestManager_BrokenRecipientTransportIsLocal(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.connect(t, "alice")
	bob, bobDone := h.connect(t, "bob")
	waitFrame(t, bob, isPresence("alice", "bob"))

	bob.failWrites(errors.New("broken pipe"))
	alice.send(t, protocol.NewSendMessage("bob", "hi"))

	waitFrame(t, alice, isDelivery("hi"))
	require.NoError(t, waitServe(t, bobDone))
	assert.True(t, bob.isClosed())
	assert.Empty(t, bob.deliveries(t))
	assert.False(t, h.presence.IsOnline("bob"))

	msgs, err := h.store.ListMessages(context.Background(), "alice_bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	alice.send(t, protocol.NewSendMessage("bob", "still here"))
	waitFrame(t, alice, isDelivery("still here"))
	assert.False(t, alice.isClosed())
	assert.Equal(t, 1, h.manager.SessionCount())

	s, ok := h.presence.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, []*relay.Session{s}, h.rooms.Members("alice_bob"))
}

type unreachableStore struct {
	store.Store
}

func (unreachableStore) FindConversation(context.Context, string) (store.Conversation, error) {
	return store.Conversation{}, errors.New("connection refused")
}

func TestManager_StoreFailureRejectsSenderOnly(t *testing.T) {
	h := newHarness(t, unreachableStore{Store: openSQLite(t, nil)})
	alice, _ := h.connect(t, "alice")
	bob, _ := h.connect(t, "bob")

	alice.send(t, protocol.NewSendMessage("bob", "lost"))

	rej := waitFrame(t, alice, isRejection(relay.CodeStoreUnavailable)).SendRejected
	assert.Equal(t, "Failed to send message", rej.Reason)
	assert.Empty(t, alice.deliveries(t))
	assert.Empty(t, bob.deliveries(t))
	assert.Empty(t, bob.rejections(t))
}

func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, nil)
	_, aliceDone := h.connect(t, "alice")
	_, bobDone := h.connect(t, "bob")

	h.manager.Shutdown()

	require.NoError(t, waitServe(t, aliceDone))
	require.NoError(t, waitServe(t, bobDone))
	assert.Equal(t, 0, h.manager.SessionCount())
	assert.Empty(t, h.presence.Snapshot())
}

func TestManager_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	conn := newMockConn("127.0.0.1:1234")

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.manager.Serve(ctx, identity("alice"), conn)
	}()
	require.Eventually(t, func() bool { return h.presence.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitServe(t, errCh))
	assert.True(t, conn.isClosed())
	assert.False(t, h.presence.IsOnline("alice"))
}
