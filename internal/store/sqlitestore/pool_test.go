// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestPoolAppliesPragmas(t *testing.T) {
	var onConnectCalls int
	pool, err := OpenPool(PoolConfig{
		Path:     filepath.Join(t.TempDir(), "pool.db"),
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			onConnectCalls++
			return nil
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	err = sqlitex.Execute(conn, "PRAGMA busy_timeout", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			busyTimeout = stmt.ColumnInt(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, onConnectCalls)
}

func TestOpenPoolRequiresPath(t *testing.T) {
	_, err := OpenPool(PoolConfig{})
	assert.Error(t, err)
}
