package persist

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/dbutil"
)

const cacheSchema = `CREATE TABLE IF NOT EXISTS cache_lines (
	pos   INTEGER PRIMARY KEY,
	block TEXT NOT NULL,
	value BLOB NOT NULL
)`

// SQLite stores the cache as rows ordered by position.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := dbutil.OpenSQLite(path, 0, cacheSchema)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load() ([]capabilities.CacheLine, error) {
	rows, err := s.db.Query(`SELECT block, value FROM cache_lines ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	defer rows.Close()

	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.Block, &r.Value); err != nil {
			return nil, fmt.Errorf("load cache: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return toLines("sqlite", records), nil
}

// Save replaces every stored line in one transaction.
func (s *SQLite) Save(lines []capabilities.CacheLine) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_lines`); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO cache_lines (pos, block, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	defer stmt.Close()
	for i, line := range lines {
		value := line.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.Exec(i, line.Block.String(), value); err != nil {
			return fmt.Errorf("save cache: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
