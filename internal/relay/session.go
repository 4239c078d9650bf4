package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/pairchat/internal/auth"
)

// Session is one live authenticated connection.
type Session struct {
	ID       string
	Identity auth.Identity
	Conn     Conn

	mu       sync.Mutex
	outgoing chan []byte
	closed   bool
}

// NewSession creates a session whose outgoing queue holds buffer frames.
func NewSession(id auth.Identity, conn Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		ID:       uuid.NewString(),
		Identity: id,
		Conn:     conn,
		outgoing: make(chan []byte, buffer),
	}
}

// UserID returns the authenticated user of the session.
func (s *Session) UserID() string {
	return s.Identity.UserID
}

// Send queues data for the write loop without blocking. A full queue or a
// closed session yields a *DeliveryError.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.deliveryError(ErrSessionClosed)
	}
	select {
	case s.outgoing <- data:
		return nil
	default:
		return s.deliveryError(ErrQueueFull)
	}
}

func (s *Session) deliveryError(err error) *DeliveryError {
	return &DeliveryError{SessionID: s.ID, UserID: s.Identity.UserID, Err: err}
}

// close stops accepting frames. Queued frames are still written.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outgoing)
}

// Closed reports whether the session has stopped accepting frames.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writeLoop drains the outgoing queue until close is called. After a write
// failure the connection is closed so the reader observes it too.
func (s *Session) writeLoop(ctx context.Context, logger *slog.Logger) {
	for data := range s.outgoing {
		if err := s.Conn.Write(ctx, data); err != nil {
			logger.Debug("write failed",
				"session_id", s.ID,
				"user_id", s.Identity.UserID,
				"error", err,
			)
			s.Conn.Close()
			for range s.outgoing {
			}
			return
		}
	}
}
