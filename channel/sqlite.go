package channel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/dbutil"
)

var directorySchema = []string{
	`CREATE TABLE IF NOT EXISTS directory (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		body    TEXT NOT NULL
	)`,
	`INSERT OR IGNORE INTO directory (id, version, body) VALUES (1, 0, '')`,
}

// SQLite keeps the snapshot in a single row of a database file shared by
// all nodes; publish is a conditional UPDATE on the version column.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Channel = (*SQLite)(nil)

// OpenSQLite opens or creates the directory table at path.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	db, err := dbutil.OpenSQLite(path, busyTimeout, directorySchema...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrChannelUnavailable, err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Fetch(ctx context.Context) (core.Snapshot, error) {
	var (
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, body FROM directory WHERE id = 1`).Scan(&version, &body)
	if err != nil {
		return core.Snapshot{}, unavailable(fmt.Errorf("fetch from %s: %w", s.path, err))
	}
	snap := decode(s.path, []byte(body))
	snap.Version = version
	return snap, nil
}

func (s *SQLite) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	next := snap.Clone()
	next.Version = snap.Version + 1
	body, err := codec.Encode(next)
	if err != nil {
		return core.Snapshot{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE directory SET version = ?, body = ? WHERE id = 1 AND version = ?`,
		next.Version, string(body), snap.Version)
	if err != nil {
		return core.Snapshot{}, unavailable(fmt.Errorf("publish to %s: %w", s.path, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	if n == 0 {
		return core.Snapshot{}, fmt.Errorf("%w: publish from version %d lost", core.ErrVersionConflict, snap.Version)
	}
	return next, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
