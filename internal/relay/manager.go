package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/conversation"
	"github.com/omochice/pairchat/pkg/protocol"
)

// DefaultOutgoingBuffer is the per-session queue length.
const DefaultOutgoingBuffer = 32

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	OutgoingBuffer int
	Logger         *slog.Logger
}

// Manager runs the lifecycle of every live connection: presence
// registration, command dispatch and cleanup.
type Manager struct {
	presence *Presence
	rooms    *Rooms
	router   *Router
	buffer   int
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}

	// broadcastMu keeps presence snapshots queued in the order they were
	// taken.
	broadcastMu sync.Mutex
}

// NewManager creates a Manager over shared presence, rooms and router.
func NewManager(presence *Presence, rooms *Rooms, router *Router, cfg ManagerConfig) *Manager {
	if cfg.OutgoingBuffer <= 0 {
		cfg.OutgoingBuffer = DefaultOutgoingBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		presence: presence,
		rooms:    rooms,
		router:   router,
		buffer:   cfg.OutgoingBuffer,
		logger:   cfg.Logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Serve runs one authenticated connection until it closes or ctx is done.
// Cleanup always runs: presence is withdrawn if it still points here and
// the new snapshot is broadcast, then the session stops accepting frames,
// leaves its rooms and conn is closed.
func (m *Manager) Serve(ctx context.Context, id auth.Identity, conn Conn) error {
	s := NewSession(id, conn, m.buffer)
	logger := m.logger.With(
		"session_id", s.ID,
		"user_id", id.UserID,
		"remote_addr", conn.RemoteAddr(),
	)

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, logger)
	}()

	if prev := m.presence.Register(id.UserID, s); prev != nil {
		logger.Info("presence replaced by newer connection", "previous_session_id", prev.ID)
	}
	logger.Info("session opened")
	m.broadcastPresence()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s)
		m.mu.Unlock()

		if m.presence.DeregisterSession(id.UserID, s) {
			m.broadcastPresence()
		}

		// Closed sessions are refused by Rooms.Join, so a Send racing this
		// cleanup cannot re-add s after LeaveAll.
		s.close()
		m.rooms.LeaveAll(s)
		wg.Wait()
		conn.Close()
		logger.Info("session closed")
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		m.dispatch(ctx, s, data, logger)
	}
}

func (m *Manager) dispatch(ctx context.Context, s *Session, data []byte, logger *slog.Logger) {
	var f protocol.Frame
	if err := f.Decode(data); err != nil {
		logger.Warn("ignoring malformed frame", "error", err)
		return
	}

	switch f.Type {
	case protocol.FrameTypeJoinRoom:
		m.joinRoom(s, f.JoinRoom.RoomID, logger)
	case protocol.FrameTypeSendMessage:
		m.sendMessage(ctx, s, f.SendMessage, logger)
	default:
		logger.Warn("ignoring unexpected frame", "type", f.Type.String())
	}
}

func (m *Manager) joinRoom(s *Session, roomID string, logger *slog.Logger) {
	if !conversation.HasParticipant(roomID, s.UserID()) {
		logger.Info("join refused", "room_id", roomID)
		m.reject(s, &ValidationError{Code: CodeInvalidRoom, Reason: "not a room you belong to"}, logger)
		return
	}
	if m.rooms.Join(roomID, s) {
		logger.Debug("joined room", "room_id", roomID)
	}
}

func (m *Manager) sendMessage(ctx context.Context, s *Session, cmd *protocol.SendMessage, logger *slog.Logger) {
	_, err := m.router.Send(ctx, s, cmd.RecipientUserID, cmd.Text)
	if err == nil {
		return
	}

	var verr *ValidationError
	var serr *StoreError
	switch {
	case errors.As(err, &verr):
		logger.Debug("send rejected", "code", verr.Code, "reason", verr.Reason)
		m.reject(s, verr, logger)
	case errors.As(err, &serr):
		logger.Error("send failed", "op", serr.Op, "error", serr.Err)
		m.reject(s, &ValidationError{Code: CodeStoreUnavailable, Reason: "Failed to send message"}, logger)
	default:
		logger.Error("send failed", "error", err)
	}
}

func (m *Manager) reject(s *Session, verr *ValidationError, logger *slog.Logger) {
	frame := protocol.NewSendRejected(verr.Code, verr.Reason)
	data, err := frame.Encode()
	if err != nil {
		logger.Error("failed to encode rejection", "error", err)
		return
	}
	if err := s.Send(data); err != nil {
		logger.Warn("rejection not delivered", "error", err)
	}
}

// broadcastPresence queues the current presence snapshot for every live
// session.
func (m *Manager) broadcastPresence() {
	m.broadcastMu.Lock()
	defer m.broadcastMu.Unlock()

	frame := protocol.NewPresenceSnapshot(m.presence.Snapshot())
	data, err := frame.Encode()
	if err != nil {
		m.logger.Error("failed to encode presence snapshot", "error", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.sessions {
		if err := s.Send(data); err != nil {
			m.logger.Warn("presence snapshot not delivered", "error", err)
		}
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every live connection. Each Serve call then runs its
// cleanup and returns.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.sessions {
		s.Conn.Close()
	}
}
