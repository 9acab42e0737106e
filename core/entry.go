package core

import (
	"fmt"
	"slices"
)

// NoHolder marks an entry whose data is supplied by the backing store.
const NoHolder = -1

// Entry is the directory record for one block.
//
// Owners is kept sorted and unique. Holder names the node whose line carries
// the authoritative value: the sole owner in Modified, an explicit owner in
// Owned, NoHolder otherwise. Rev is the snapshot version at which the current
// data was committed and selects the holder's line in the payload store.
type Entry struct {
	State  State
	Owners []int
	Holder int
	Rev    int64
}

// UncachedEntry is the implicit entry of a block never referenced.
func UncachedEntry() Entry {
	return Entry{State: StateUncached, Holder: NoHolder}
}

// NewEntry builds a normalized entry. It does not validate invariants.
func NewEntry(state State, owners ...int) Entry {
	e := Entry{State: state, Owners: normalizeOwners(owners), Holder: NoHolder}
	if state == StateModified && len(e.Owners) == 1 {
		e.Holder = e.Owners[0]
	}
	return e
}

// Normalize sorts and deduplicates owners and derives the holder of a
// Modified entry. Zero-valued entries become Uncached.
func (e Entry) Normalize() Entry {
	if e.State == "" {
		e.State = StateUncached
	}
	e.Owners = normalizeOwners(e.Owners)
	switch e.State {
	case StateModified:
		if len(e.Owners) == 1 {
			e.Holder = e.Owners[0]
		}
	case StateOwned:
	default:
		e.Holder = NoHolder
	}
	return e
}

// Validate checks the state/owner invariants:
// Uncached has no owners, Modified exactly one, Shared and Owned at least
// one, and an Owned holder is itself an owner.
func (e Entry) Validate() error {
	for _, id := range e.Owners {
		if id < 0 {
			return fmt.Errorf("%w: negative owner %d", ErrInvariantViolation, id)
		}
	}
	if !slices.IsSorted(e.Owners) || len(slices.Compact(slices.Clone(e.Owners))) != len(e.Owners) {
		return fmt.Errorf("%w: owner set %v not normalized", ErrInvariantViolation, e.Owners)
	}
	switch e.State {
	case StateUncached:
		if len(e.Owners) != 0 {
			return fmt.Errorf("%w: Uncached with owners %v", ErrInvariantViolation, e.Owners)
		}
	case StateShared:
		if len(e.Owners) == 0 {
			return fmt.Errorf("%w: Shared with no owners", ErrInvariantViolation)
		}
	case StateModified:
		if len(e.Owners) != 1 {
			return fmt.Errorf("%w: Modified with %d owners", ErrInvariantViolation, len(e.Owners))
		}
		if e.Holder != e.Owners[0] {
			return fmt.Errorf("%w: Modified holder %d is not owner %d", ErrInvariantViolation, e.Holder, e.Owners[0])
		}
	case StateOwned:
		if len(e.Owners) == 0 {
			return fmt.Errorf("%w: Owned with no owners", ErrInvariantViolation)
		}
		if !e.HasOwner(e.Holder) {
			return fmt.Errorf("%w: Owned holder %d not in owners %v", ErrInvariantViolation, e.Holder, e.Owners)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvariantViolation, e.State)
	}
	return nil
}

// HasOwner reports whether node is in the owner set.
func (e Entry) HasOwner(node int) bool {
	_, found := slices.BinarySearch(e.Owners, node)
	return found
}

// SoleOwner returns the owner when exactly one node holds the block.
func (e Entry) SoleOwner() (int, bool) {
	if len(e.Owners) != 1 {
		return 0, false
	}
	return e.Owners[0], true
}

// WithOwner returns a copy with node added to the owner set.
func (e Entry) WithOwner(node int) Entry {
	out := e.Clone()
	out.Owners = normalizeOwners(append(out.Owners, node))
	return out
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	e.Owners = slices.Clone(e.Owners)
	return e
}

// Equal compares two entries after normalization.
func (e Entry) Equal(other Entry) bool {
	a, b := e.Normalize(), other.Normalize()
	return a.State == b.State && a.Holder == b.Holder && a.Rev == b.Rev && slices.Equal(a.Owners, b.Owners)
}

func (e Entry) String() string {
	if e.State == StateOwned {
		return fmt.Sprintf("%s%v holder=%d", e.State, e.Owners, e.Holder)
	}
	return fmt.Sprintf("%s%v", e.State, e.Owners)
}

// ValidateNode rejects negative node identifiers.
func ValidateNode(node int) error {
	if node < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}
	return nil
}

func normalizeOwners(owners []int) []int {
	if len(owners) == 0 {
		return nil
	}
	out := slices.Clone(owners)
	slices.Sort(out)
	return slices.Compact(out)
}
