// Package relay tracks live sessions and routes messages between them.
package relay

import "context"

// Conn is one authenticated connection carrying encoded protocol.Frame
// envelopes in both directions.
type Conn interface {
	// Read blocks for the next encoded frame from the peer. It returns
	// io.EOF once the peer has gone.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one encoded frame.
	Write(ctx context.Context, data []byte) error

	Close() error

	// RemoteAddr is used in log fields only.
	RemoteAddr() string
}
