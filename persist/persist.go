// Package persist keeps a node's local cache between process runs. Each
// store is private to one node and holds the cache lines in LRU to MRU order.
package persist

import (
	"fmt"

	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/config"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
)

// Store loads and saves an ordered set of cache lines. Loading a store that
// does not exist yet, or holds nothing, yields no lines and no error.
type Store interface {
	Load() ([]capabilities.CacheLine, error)
	Save(lines []capabilities.CacheLine) error
	Close() error
}

// Open returns the store selected by cfg for node, or nil when persistence
// is disabled.
func Open(cfg config.Config, node int) (Store, error) {
	path := cfg.PersistPath(node)
	switch cfg.Persist.Kind {
	case config.KindJSON:
		return NewJSONFile(path), nil
	case config.KindSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.KindNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persist kind %q", cfg.Persist.Kind)
	}
}

// record is the on-disk form of one line.
type record struct {
	Block string `json:"block"`
	Value []byte `json:"value"`
}

func toLines(source string, records []record) []capabilities.CacheLine {
	lines := make([]capabilities.CacheLine, 0, len(records))
	for _, r := range records {
		block, err := core.ParseBlock(r.Block)
		if err != nil {
			logging.GetLogger().Warnf("persist %s: dropping line: %v", source, err)
			continue
		}
		lines = append(lines, capabilities.CacheLine{Block: block, Value: r.Value})
	}
	return lines
}
