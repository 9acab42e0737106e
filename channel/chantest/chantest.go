// Package chantest implements shareable code for testing implementations of
// the channel.Channel compare-and-swap interface.
package chantest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
)

// History records the snapshot observed at each version, across goroutines
// or processes, and reports any version that was seen with two contents.
type History struct {
	mu   sync.Mutex
	hist map[int64]uint64
}

// Observe records snap and checks it against earlier observations.
func (h *History) Observe(t testing.TB, snap core.Snapshot) {
	body, err := codec.Encode(snap)
	if err != nil {
		t.Errorf("encode observed snapshot: %v", err)
		return
	}
	digest := codec.Digest(body)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist == nil {
		h.hist = make(map[int64]uint64)
	}
	if prev, ok := h.hist[snap.Version]; ok && prev != digest {
		t.Errorf("inconsistency at version %d: digest %x then %x", snap.Version, prev, digest)
	}
	h.hist[snap.Version] = digest
}

// Channels torture-tests one or more channels that must share the same
// underlying state, starting from an empty version 0. nthreads goroutines
// per channel each add naccesses distinct blocks through fetch/publish retry
// loops. Every publish must land exactly once and versions must never go
// backwards for any single goroutine.
func Channels(t *testing.T, nthreads, naccesses int, chans ...channel.Channel) {
	t.Helper()
	ctx := context.Background()
	h := &History{}
	var wg sync.WaitGroup

	tester := func(i, j int) {
		defer wg.Done()
		ch := chans[i]
		var last int64
		for k := 0; k < naccesses; k++ {
			block := core.BlockAt(uint64(i)<<40 | uint64(j)<<20 | uint64(k))
			for {
				snap, err := ch.Fetch(ctx)
				if err != nil {
					t.Errorf("Fetch: %v", err)
					return
				}
				if snap.Version < last {
					t.Errorf("version went backwards: %d after %d", snap.Version, last)
				}
				last = snap.Version
				h.Observe(t, snap)

				snap.Entries[block] = core.NewEntry(core.StateShared, j)
				next, err := ch.Publish(ctx, snap)
				if errors.Is(err, core.ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Errorf("Publish: %v", err)
					return
				}
				if next.Version != snap.Version+1 {
					t.Errorf("publish from %d stored version %d", snap.Version, next.Version)
				}
				last = next.Version
				h.Observe(t, next)
				break
			}
		}
	}

	for j := 0; j < nthreads; j++ {
		for i := range chans {
			wg.Add(1)
			go tester(i, j)
		}
	}
	wg.Wait()

	final, err := chans[0].Fetch(ctx)
	if err != nil {
		t.Fatalf("final Fetch: %v", err)
	}
	want := len(chans) * nthreads * naccesses
	if len(final.Entries) != want {
		t.Fatalf("expected %d entries, got %d (lost updates)", want, len(final.Entries))
	}
	if final.Version != int64(want) {
		t.Fatalf("expected version %d, got %d", want, final.Version)
	}
}
