package core

import "fmt"

// State is the directory coherence state of a block, encoded as its
// single-letter snapshot code.
type State string

const (
	StateUncached State = "U" // No node holds a copy
	StateShared   State = "S" // One or more nodes hold a clean copy
	StateModified State = "M" // Exactly one node holds the only (dirty) copy
	StateOwned    State = "O" // MOESI: one holder supplies dirty data to sharers
)

// ParseState maps a snapshot code to a State.
func ParseState(code string) (State, error) {
	switch s := State(code); s {
	case StateUncached, StateShared, StateModified, StateOwned:
		return s, nil
	default:
		return "", fmt.Errorf("unknown state code %q", code)
	}
}

// Name returns the long-form name used in logs.
func (s State) Name() string {
	switch s {
	case StateUncached, "":
		return "Uncached"
	case StateShared:
		return "Shared"
	case StateModified:
		return "Modified"
	case StateOwned:
		return "Owned"
	default:
		return string(s)
	}
}

// IsValid returns true if at least one node may hold a copy.
func (s State) IsValid() bool {
	return s == StateShared || s == StateModified || s == StateOwned
}

// CanProvideData returns true if a holder node, not the backing store,
// supplies the authoritative value.
func (s State) CanProvideData() bool {
	return s == StateModified || s == StateOwned
}
