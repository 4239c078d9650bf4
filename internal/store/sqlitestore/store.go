// Package sqlitestore is the SQLite backend of the relay's durable store.
//
// Conversations are keyed by a UNIQUE room_id column, which is what makes
// concurrent first messages between the same pair safe: the losing INSERT
// fails with a constraint violation that is reported as
// store.ErrConversationExists. Messages carry an autoincrement sequence that
// breaks created_at ties in insertion order.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/omochice/pairchat/internal/clock"
	"github.com/omochice/pairchat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL UNIQUE,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_participant_a ON conversations(participant_a);
CREATE INDEX IF NOT EXISTS conversations_participant_b ON conversations(participant_b);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	room_id         TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	recipient_id    TEXT NOT NULL,
	text            TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	read            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_room_created ON messages(room_id, created_at, seq);
CREATE INDEX IF NOT EXISTS messages_unread ON messages(room_id, recipient_id, read);
`

const conversationColumns = `id, room_id, participant_a, participant_b, created_at, last_activity`

// Config configures Open.
type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Store implements store.Store on SQLite.
type Store struct {
	pool   *Pool
	clock  clock.Clock
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens the database, creates the schema and verifies the database is
// usable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := OpenPool(PoolConfig{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool, clock: clk, logger: logger}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks that a connection can be taken and queried.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return fmt.Errorf("sqlitestore: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// FindConversation returns the conversation with the given room key.
func (s *Store) FindConversation(ctx context.Context, roomID string) (store.Conversation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return store.Conversation{}, err
	}
	defer s.pool.Put(conn)

	return findConversation(conn, roomID)
}

func findConversation(conn *sqlite.Conn, roomID string) (store.Conversation, error) {
	var (
		conv  store.Conversation
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+conversationColumns+` FROM conversations WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				conv = scanConversation(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return store.Conversation{}, fmt.Errorf("sqlitestore: find conversation: %w", err)
	}
	if !found {
		return store.Conversation{}, fmt.Errorf("sqlitestore: conversation %q: %w", roomID, store.ErrNotFound)
	}
	return conv, nil
}

// CreateConversation inserts conv. A conversation already stored under the
// same room key yields store.ErrConversationExists.
func (s *Store) CreateConversation(ctx context.Context, conv store.Conversation) (store.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = conv.CreatedAt
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return store.Conversation{}, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				conv.ID,
				conv.RoomID,
				conv.Participants[0],
				conv.Participants[1],
				conv.CreatedAt.UnixNano(),
				conv.LastActivity.UnixNano(),
			},
		})
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conversation{}, fmt.Errorf("sqlitestore: create conversation %q: %w", conv.RoomID, store.ErrConversationExists)
		}
		return store.Conversation{}, fmt.Errorf("sqlitestore: create conversation: %w", err)
	}
	return conv, nil
}

// TouchConversation moves the last-activity timestamp forward to at. It
// never moves it backwards.
func (s *Store) TouchConversation(ctx context.Context, roomID string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE conversations SET last_activity = MAX(last_activity, ?) WHERE room_id = ?`,
		&sqlitex.ExecOptions{Args: []any{at.UnixNano(), roomID}})
	if err != nil {
		return fmt.Errorf("sqlitestore: touch conversation: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("sqlitestore: conversation %q: %w", roomID, store.ErrNotFound)
	}
	return nil
}

// InsertMessage persists msg in a single IMMEDIATE transaction, assigning
// its ID (when empty) and CreatedAt. CreatedAt is clamped so it never
// precedes the newest message already stored for the room.
func (s *Store) InsertMessage(ctx context.Context, msg store.Message) (_ store.Message, err error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Read = false

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return store.Message{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	createdAt := s.clock.Now().UTC().UnixNano()
	err = sqlitex.Execute(conn,
		`SELECT MAX(created_at) FROM messages WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{msg.RoomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnType(0) != sqlite.TypeNull {
					createdAt = max(createdAt, stmt.ColumnInt64(0))
				}
				return nil
			},
		})
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: latest message: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, conversation_id, room_id, sender_id, recipient_id, text, created_at, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{
			Args: []any{
				msg.ID,
				msg.ConversationID,
				msg.RoomID,
				msg.SenderID,
				msg.RecipientID,
				msg.Text,
				createdAt,
			},
		})
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: insert message: %w", err)
	}

	err = sqlitex.Execute(conn,
		`UPDATE conversations SET last_activity = MAX(last_activity, ?) WHERE room_id = ?`,
		&sqlitex.ExecOptions{Args: []any{createdAt, msg.RoomID}})
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlitestore: update last activity: %w", err)
	}

	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	return msg, nil
}

// ListConversations returns every conversation userID participates in, most
// recently active first, with its newest message and the number of unread
// messages addressed to userID.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	summaries := []store.ConversationSummary{}
	err = sqlitex.Execute(conn, `
		SELECT c.id, c.room_id, c.participant_a, c.participant_b, c.created_at, c.last_activity,
			m.text, m.sender_id, m.created_at,
			(SELECT COUNT(*) FROM messages u
				WHERE u.room_id = c.room_id AND u.recipient_id = ?1 AND u.read = 0)
		FROM conversations c
		LEFT JOIN messages m ON m.seq = (
			SELECT x.seq FROM messages x
			WHERE x.room_id = c.room_id
			ORDER BY x.created_at DESC, x.seq DESC
			LIMIT 1)
		WHERE c.participant_a = ?1 OR c.participant_b = ?1
		ORDER BY c.last_activity DESC, c.room_id`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				summary := store.ConversationSummary{
					Conversation: scanConversation(stmt),
					UnreadCount:  stmt.ColumnInt(9),
				}
				if stmt.ColumnType(6) != sqlite.TypeNull {
					summary.LastMessage = &store.LastMessage{
						Text:      stmt.ColumnText(6),
						SenderID:  stmt.ColumnText(7),
						CreatedAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
					}
				}
				summaries = append(summaries, summary)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list conversations: %w", err)
	}
	return summaries, nil
}

// ListMessages returns the messages of a room in ascending creation order.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]store.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	messages := []store.Message{}
	err = sqlitex.Execute(conn, `
		SELECT id, conversation_id, room_id, sender_id, recipient_id, text, created_at, read
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at, seq`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, store.Message{
					ID:             stmt.ColumnText(0),
					ConversationID: stmt.ColumnText(1),
					RoomID:         stmt.ColumnText(2),
					SenderID:       stmt.ColumnText(3),
					RecipientID:    stmt.ColumnText(4),
					Text:           stmt.ColumnText(5),
					CreatedAt:      time.Unix(0, stmt.ColumnInt64(6)).UTC(),
					Read:           stmt.ColumnInt(7) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list messages: %w", err)
	}
	return messages, nil
}

// MarkRead flags every unread message of the room addressed to recipientID
// as read and reports how many changed.
func (s *Store) MarkRead(ctx context.Context, roomID, recipientID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE messages SET read = 1 WHERE room_id = ? AND recipient_id = ? AND read = 0`,
		&sqlitex.ExecOptions{Args: []any{roomID, recipientID}})
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: mark read: %w", err)
	}
	return conn.Changes(), nil
}

func scanConversation(stmt *sqlite.Stmt) store.Conversation {
	return store.Conversation{
		ID:           stmt.ColumnText(0),
		RoomID:       stmt.ColumnText(1),
		Participants: [2]string{stmt.ColumnText(2), stmt.ColumnText(3)},
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(4)).UTC(),
		LastActivity: time.Unix(0, stmt.ColumnInt64(5)).UTC(),
	}
}

func isUniqueViolation(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	default:
		return false
	}
}
