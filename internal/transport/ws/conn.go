// Package ws serves relay sessions over WebSocket.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 << 10

// Conn adapts a hijacked connection speaking gobwas/ws server-side framing
// to relay.Conn.
type Conn struct {
	conn         net.Conn
	reader       *wsutil.Reader
	control      wsutil.FrameHandlerFunc
	idleTimeout  time.Duration
	writeTimeout time.Duration
	remoteAddr   string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ConnOptions tune a Conn. Zero values disable the matching deadline.
type ConnOptions struct {
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	RemoteAddr   string
}

// NewConn wraps an upgraded connection. source carries bytes the upgrade
// may have buffered; pass conn itself when nothing was buffered.
func NewConn(conn net.Conn, source io.Reader, opts ConnOptions) *Conn {
	if source == nil {
		source = conn
	}
	if opts.RemoteAddr == "" {
		opts.RemoteAddr = conn.RemoteAddr().String()
	}
	c := &Conn{
		conn:         conn,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
		remoteAddr:   opts.RemoteAddr,
	}
	c.reader = &wsutil.Reader{
		Source:       source,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: MaxFrameSize,
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	c.reader.OnIntermediate = c.control
	return c
}

// Read implements relay.Conn.
// Reads the next data message, answering pings and close frames on the way.
// A peer that stays silent longer than the idle timeout is treated as gone.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readError(ctx, err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, c.readError(ctx, err)
			}
			continue
		}

		if hdr.OpCode&(ws.OpBinary|ws.OpText) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readError(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(c.reader)
		if err != nil {
			return nil, c.readError(ctx, err)
		}
		return data, nil
	}
}

func (c *Conn) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

// Write implements relay.Conn.
// Writes a binary message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	return wsutil.WriteServerMessage(c.conn, ws.OpBinary, data)
}

// Ping sends a ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	return wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
}

func (c *Conn) setWriteDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		return
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		return
	}
	c.conn.SetWriteDeadline(time.Time{})
}

// Close implements relay.Conn.
// Sends a normal-closure frame and closes the connection. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// lockedWriter serializes control-frame replies with data writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
