package capabilities

import (
	"fmt"
	"sync"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
)

// InvalidationNotifier receives one call per owner removed by InvalidateOthers.
type InvalidationNotifier func(block core.Block, requester, victim int)

// Directory is the authoritative block -> {state, owners} map. Each method is
// internally consistent; composing several calls into one atomic request is
// the caller's job.
type Directory struct {
	mu      sync.RWMutex
	entries map[core.Block]core.Entry
	notify  InvalidationNotifier
}

var _ NodeCapability = (*Directory)(nil)

// NewDirectory creates an empty directory. notify may be nil.
func NewDirectory(notify InvalidationNotifier) *Directory {
	return &Directory{
		entries: make(map[core.Block]core.Entry),
		notify:  notify,
	}
}

// DirectoryFromSnapshot loads a directory from a fetched snapshot.
func DirectoryFromSnapshot(snap core.Snapshot, notify InvalidationNotifier) *Directory {
	d := NewDirectory(notify)
	for b, e := range snap.Entries {
		d.entries[b] = e.Clone()
	}
	return d
}

func (d *Directory) Descriptor() hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        "directory",
		Category:    hooks.PluginCategoryCapability,
		Description: "block state and owner tracking",
	}
}

func (d *Directory) Register(broker *hooks.PluginBroker) error {
	return registerMetadata(broker, d.Descriptor())
}

// GetState returns the entry for block, Uncached with no owners if it was
// never referenced.
func (d *Directory) GetState(block core.Block) core.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.entries[block]; ok {
		return e.Clone()
	}
	return core.UncachedEntry()
}

// SetState overwrites the state and owner set of block, keeping its data
// revision. Modified derives its holder from the single owner; Owned entries
// need an explicit holder and go through SetEntry.
func (d *Directory) SetState(block core.Block, state core.State, owners ...int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := core.NewEntry(state, owners...)
	if prev, ok := d.entries[block]; ok {
		e.Rev = prev.Rev
	}
	return d.setLocked(block, e)
}

// SetEntry overwrites the full entry of block after validating it.
func (d *Directory) SetEntry(block core.Block, entry core.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setLocked(block, entry.Normalize())
}

func (d *Directory) setLocked(block core.Block, e core.Entry) error {
	if block == "" {
		return fmt.Errorf("%w: empty block", core.ErrInvalidAddress)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("set %s to %v: %w", block, e, err)
	}
	d.entries[block] = e
	return nil
}

// InvalidateOthers removes every owner except requester, notifying once per
// removed owner, and leaves owners = {requester}. Uncached entries are left
// untouched. An Owned entry hands its holder role to requester.
func (d *Directory) InvalidateOthers(block core.Block, requester int) []int {
	d.mu.Lock()
	e, ok := d.entries[block]
	if !ok || e.State == core.StateUncached {
		d.mu.Unlock()
		return nil
	}
	var victims []int
	for _, owner := range e.Owners {
		if owner != requester {
			victims = append(victims, owner)
		}
	}
	e = e.Clone()
	e.Owners = []int{requester}
	if e.State == core.StateOwned || e.State == core.StateModified {
		e.Holder = requester
	}
	d.entries[block] = e
	notify := d.notify
	d.mu.Unlock()

	if notify != nil {
		for _, victim := range victims {
			notify(block, requester, victim)
		}
	}
	return victims
}

func (d *Directory) lookup(block core.Block) (core.Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[block]
	return e.Clone(), ok
}

func (d *Directory) restore(block core.Block, e core.Entry, existed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !existed {
		delete(d.entries, block)
		return
	}
	d.entries[block] = e
}

// Snapshot exports the directory under the given version.
func (d *Directory) Snapshot(version int64) core.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := core.Snapshot{Version: version, Entries: make(map[core.Block]core.Entry, len(d.entries))}
	for b, e := range d.entries {
		snap.Entries[b] = e.Clone()
	}
	return snap
}

// Len returns the number of referenced blocks.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
