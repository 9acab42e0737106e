// Package channel implements the shared state channel: the medium through
// which every node fetches and publishes the directory snapshot.
//
// Publishing is a compare-and-swap against the snapshot version. A node
// publishes the snapshot it fetched (carrying the fetched version) with its
// changes applied; the channel stores it as version+1 only if nobody else
// has published since, and otherwise fails with core.ErrVersionConflict so
// the caller re-fetches and retries.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
)

// Channel publishes and fetches directory snapshots.
type Channel interface {
	// Fetch returns the latest published snapshot; an empty version 0
	// snapshot if nothing was ever published.
	Fetch(ctx context.Context) (core.Snapshot, error)
	// Publish stores snap as version snap.Version+1 if the latest version
	// is still snap.Version, and returns the stored snapshot.
	Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error)
	Close() error
}

// Watcher is implemented by channels that can push changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan core.Snapshot, error)
}

// DefaultPollInterval is used by Watch for channels without push support.
const DefaultPollInterval = 200 * time.Millisecond

// Watch streams snapshots as their version advances until ctx ends. The
// current snapshot is delivered first. Channels implementing Watcher push
// changes themselves; others are polled every interval.
func Watch(ctx context.Context, ch Channel, interval time.Duration) (<-chan core.Snapshot, error) {
	if w, ok := ch.(Watcher); ok {
		return w.Watch(ctx)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	first, err := ch.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan core.Snapshot, 1)
	out <- first
	go func() {
		defer close(out)
		last := first.Version
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			snap, err := ch.Fetch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.GetLogger().Warnf("watch: fetch failed: %v", err)
				}
				continue
			}
			if snap.Version <= last {
				continue
			}
			last = snap.Version
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// decode parses snapshot text, logging every skipped entry.
func decode(source string, data []byte) core.Snapshot {
	snap, issues := codec.Decode(data)
	for _, issue := range issues {
		logging.GetLogger().Zerolog().Warn().
			Str("source", source).
			Str("block", issue.Block).
			Err(issue.Err).
			Msg("dropping malformed snapshot data")
	}
	return snap
}

// unavailable maps context expiry and transport failures to
// core.ErrChannelUnavailable, leaving coherence errors untouched.
func unavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrVersionConflict), errors.Is(err, core.ErrChannelUnavailable),
		errors.Is(err, core.ErrInvariantViolation), errors.Is(err, core.ErrInvalidAddress):
		return err
	default:
		return errors.Join(core.ErrChannelUnavailable, err)
	}
}
