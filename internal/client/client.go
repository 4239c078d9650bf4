// Package client is a WebSocket client for the pairchat relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/omochice/pairchat/pkg/protocol"
)

var (
	// ErrUnauthorized is returned by Connect when the relay refuses the token.
	ErrUnauthorized = errors.New("server refused credentials")
	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected to server")
)

// Client represents a WebSocket chat client.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	conn   *websocket.Conn
	events chan protocol.Frame
	mu     sync.RWMutex
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a client for the relay at url, authenticating with token.
func New(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		url:    url,
		token:  token,
		logger: logger,
		events: make(chan protocol.Frame, 64),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection. The token travels in the
// Authorization header of the handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(conn)

	return nil
}

// Disconnect closes the connection and waits for the receive loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	close(c.done)
	conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// JoinRoom subscribes the connection to roomID.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.send(ctx, protocol.NewJoinRoom(roomID))
}

// SendMessage sends text to recipientUserID.
func (c *Client) SendMessage(ctx context.Context, recipientUserID, text string) error {
	return c.send(ctx, protocol.NewSendMessage(recipientUserID, text))
}

// Events returns the frames pushed by the relay. The channel is closed when
// the connection ends.
func (c *Client) Events() <-chan protocol.Frame {
	return c.events
}

func (c *Client) send(ctx context.Context, f protocol.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}

	return nil
}

func (c *Client) receive(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("connection to server lost", "error", err)
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
			}
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			c.logger.Warn("failed to decode frame", "error", err)
			continue
		}

		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}
