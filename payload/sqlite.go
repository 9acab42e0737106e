package payload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/dbutil"
)

const payloadSchema = `CREATE TABLE IF NOT EXISTS payload (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	rev   INTEGER NOT NULL
)`

// SQLite is a Store shared by every process that opens the same file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the payload table in the database at path.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	db, err := dbutil.OpenSQLite(path, busyTimeout, payloadSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrChannelUnavailable, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var (
		value []byte
		rev   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, rev FROM payload WHERE key = ?`, key).Scan(&value, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: payload get %s: %w", core.ErrChannelUnavailable, key, err)
	}
	return value, rev, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, rev int64) (bool, error) {
	if value == nil {
		value = []byte{}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO payload (key, value, rev) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, rev = excluded.rev
		WHERE excluded.rev > payload.rev`, key, value, rev)
	if err != nil {
		return false, fmt.Errorf("%w: payload put %s: %w", core.ErrChannelUnavailable, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: payload put %s: %w", core.ErrChannelUnavailable, key, err)
	}
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payload WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: payload delete %s: %w", core.ErrChannelUnavailable, key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
