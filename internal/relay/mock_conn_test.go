package relay_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omochice/pairchat/internal/relay"
	"github.com/omochice/pairchat/pkg/protocol"
)

// mockConn is a mock implementation of relay.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 64),
		done:       make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, io.EOF
	case data := <-m.readCh:
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// failWrites makes every later Write return err.
func (m *mockConn) failWrites(err error) {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.writeErr = err
}

// send feeds a client frame to the relay.
func (m *mockConn) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	m.readCh <- data
}

// frames decodes everything the relay has written so far.
func (m *mockConn) frames(t *testing.T) []protocol.Frame {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	out := make([]protocol.Frame, 0, len(m.written))
	for _, data := range m.written {
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			t.Errorf("relay wrote undecodable frame: %v", err)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (m *mockConn) deliveries(t *testing.T) []protocol.MessageDelivered {
	var out []protocol.MessageDelivered
	for _, f := range m.frames(t) {
		if f.Type == protocol.FrameTypeMessageDelivered {
			out = append(out, *f.MessageDelivered)
		}
	}
	return out
}

func (m *mockConn) rejections(t *testing.T) []protocol.SendRejected {
	var out []protocol.SendRejected
	for _, f := range m.frames(t) {
		if f.Type == protocol.FrameTypeSendRejected {
			out = append(out, *f.SendRejected)
		}
	}
	return out
}

// waitFrame waits until the relay has written a frame matching match.
func waitFrame(t *testing.T, c *mockConn, match func(protocol.Frame) bool) protocol.Frame {
	t.Helper()
	var found protocol.Frame
	require.Eventually(t, func() bool {
		for _, f := range c.frames(t) {
			if match(f) {
				found = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func isPresence(ids ...string) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool {
		if f.Type != protocol.FrameTypePresenceSnapshot {
			return false
		}
		got := f.PresenceSnapshot.OnlineUserIDs
		if len(got) != len(ids) {
			return false
		}
		for i := range ids {
			if got[i] != ids[i] {
				return false
			}
		}
		return true
	}
}

func isDelivery(text string) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool {
		return f.Type == protocol.FrameTypeMessageDelivered && f.MessageDelivered.Text == text
	}
}

func isRejection(code string) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool {
		return f.Type == protocol.FrameTypeSendRejected && f.SendRejected.Code == code
	}
}

// Compile-time check that mockConn implements relay.Conn
var _ relay.Conn = (*mockConn)(nil)
