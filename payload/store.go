// Package payload is the backing payload store: block values keyed by
// address, each stored with the revision that wrote it. A put only lands if
// its revision is newer than the stored one, so replayed or late writes
// cannot roll a value back.
package payload

import (
	"context"
	"fmt"
	"strings"

	"github.com/Readm/memcoh/core"
)

// Store is a revision-guarded key/value store for block payloads.
type Store interface {
	// Get returns the value and revision under key; ok is false if absent.
	Get(ctx context.Context, key string) (value []byte, rev int64, ok bool, err error)
	// Put stores value if key is absent or rev is newer than the stored
	// revision, and reports whether it did.
	Put(ctx context.Context, key string, value []byte, rev int64) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// BackingKey is the key of a block's backing-store value.
func BackingKey(block core.Block) string {
	return string(block)
}

// LineKey is the key of the value node committed for block at rev while
// holding it Modified or Owned.
func LineKey(block core.Block, node int, rev int64) string {
	return fmt.Sprintf("%s@%d#%d", block, node, rev)
}

// IsLineKey reports whether key names a holder line rather than a backing value.
func IsLineKey(key string) bool {
	return strings.Contains(key, "@")
}
