package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/Readm/memcoh/core"
)

// Memory is an in-process channel shared by controllers in one process.
type Memory struct {
	mu       sync.Mutex
	snap     core.Snapshot
	watchers map[chan core.Snapshot]struct{}
}

var (
	_ Channel = (*Memory)(nil)
	_ Watcher = (*Memory)(nil)
)

// NewMemory returns an empty channel at version 0.
func NewMemory() *Memory {
	return &Memory{
		snap:     core.NewSnapshot(),
		watchers: make(map[chan core.Snapshot]struct{}),
	}
}

func (m *Memory) Fetch(ctx context.Context) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

func (m *Memory) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, unavailable(err)
	}
	if err := snap.Validate(); err != nil {
		return core.Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Version != m.snap.Version {
		return core.Snapshot{}, fmt.Errorf("%w: publish from version %d, latest is %d", core.ErrVersionConflict, snap.Version, m.snap.Version)
	}
	next := snap.Clone()
	next.Version = snap.Version + 1
	m.snap = next
	for w := range m.watchers {
		select {
		case w <- next.Clone():
		default:
			// slow watcher: it will catch up on the next publish
		}
	}
	return next.Clone(), nil
}

// Watch pushes every published snapshot, starting with the current one.
func (m *Memory) Watch(ctx context.Context) (<-chan core.Snapshot, error) {
	ch := make(chan core.Snapshot, 16)
	m.mu.Lock()
	ch <- m.snap.Clone()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	return nil
}
