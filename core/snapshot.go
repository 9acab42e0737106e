package core

import (
	"fmt"
	"slices"
)

// Snapshot is the full directory as published on the shared channel.
// Version increases by one with every successful publish.
type Snapshot struct {
	Version int64
	Entries map[Block]Entry
}

// NewSnapshot returns an empty snapshot at version 0.
func NewSnapshot() Snapshot {
	return Snapshot{Entries: make(map[Block]Entry)}
}

// Get returns the entry for b, or the Uncached default.
func (s Snapshot) Get(b Block) Entry {
	if e, ok := s.Entries[b]; ok {
		return e.Clone()
	}
	return UncachedEntry()
}

// Blocks returns the referenced blocks in ascending offset order.
func (s Snapshot) Blocks() []Block {
	out := make([]Block, 0, len(s.Entries))
	for b := range s.Entries {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Block) int {
		switch ao, bo := a.Offset(), b.Offset(); {
		case ao < bo:
			return -1
		case ao > bo:
			return 1
		}
		return 0
	})
	return out
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Version: s.Version, Entries: make(map[Block]Entry, len(s.Entries))}
	for b, e := range s.Entries {
		out.Entries[b] = e.Clone()
	}
	return out
}

// Validate checks every entry's invariants.
func (s Snapshot) Validate() error {
	for _, b := range s.Blocks() {
		if err := s.Entries[b].Validate(); err != nil {
			return fmt.Errorf("block %s: %w", b, err)
		}
	}
	return nil
}
