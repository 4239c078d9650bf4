package relay_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/relay"
	"github.com/omochice/pairchat/internal/store"
	"github.com/omochice/pairchat/internal/store/sqlitestore"
)

type harness struct {
	store    store.Store
	presence *relay.Presence
	rooms    *relay.Rooms
	router   *relay.Router
	manager  *relay.Manager
}

func openSQLite(t *testing.T, clk clock.Clock) store.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), sqlitestore.Config{
		Path:     filepath.Join(t.TempDir(), "relay.db"),
		PoolSize: 4,
		Clock:    clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	if s == nil {
		s = openSQLite(t, nil)
	}
	h := &harness{
		store:    s,
		presence: relay.NewPresence(),
		rooms:    relay.NewRooms(),
	}
	h.router = relay.NewRouter(s, h.presence, h.rooms, relay.RouterConfig{MaxTextLength: 20})
	h.manager = relay.NewManager(h.presence, h.rooms, h.router, relay.ManagerConfig{OutgoingBuffer: 256})
	t.Cleanup(h.manager.Shutdown)
	return h
}

// connect serves a new mock connection for user and waits until it is the
// user's registered session.
func (h *harness) connect(t *testing.T, user string) (*mockConn, <-chan error) {
	t.Helper()
	conn := newMockConn("127.0.0.1:1234")
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.manager.Serve(context.Background(), auth.Identity{UserID: user, DisplayName: user}, conn)
	}()

	require.Eventually(t, func() bool {
		s, ok := h.presence.Lookup(user)
		return ok && s.Conn == relay.Conn(conn)
	}, 2*time.Second, 5*time.Millisecond)
	return conn, errCh
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func identity(user string) auth.Identity {
	return auth.Identity{UserID: user, DisplayName: user}
}
