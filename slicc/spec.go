// Package slicc holds declarative coherence protocol descriptions: the states
// a block can be in, the request events a node can raise, and the transition
// table mapping (state, event) to a next state plus an ordered action list.
package slicc

import (
	"fmt"
	"strings"
)

// StateSpec describes a single directory state.
type StateSpec struct {
	Name        string
	Description string
}

// EventSpec describes a request classification that may trigger transitions.
type EventSpec struct {
	Name        string
	Description string
}

// TransitionSpec connects states and events with ordered actions.
// An empty ToState keeps the current state.
type TransitionSpec struct {
	FromStates []string
	Events     []string
	ToState    string
	Actions    []string
}

// StateMachineSpec contains the declarative description of a protocol.
type StateMachineSpec struct {
	Name         string
	Description  string
	DefaultState string
	States       []StateSpec
	Events       []EventSpec
	Actions      []string
	Transitions  []TransitionSpec
}

// Validate ensures the specification is self-consistent and deterministic.
func (s *StateMachineSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("spec is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("spec name is empty")
	}
	stateSet := make(map[string]struct{})
	for _, st := range s.States {
		if st.Name == "" {
			return fmt.Errorf("state name cannot be empty")
		}
		stateSet[st.Name] = struct{}{}
	}
	if len(stateSet) == 0 {
		return fmt.Errorf("no states defined")
	}

	eventSet := make(map[string]struct{})
	for _, ev := range s.Events {
		if ev.Name == "" {
			return fmt.Errorf("event name cannot be empty")
		}
		eventSet[ev.Name] = struct{}{}
	}
	if len(eventSet) == 0 {
		return fmt.Errorf("no events defined")
	}

	var actionSet map[string]struct{}
	if len(s.Actions) > 0 {
		actionSet = make(map[string]struct{}, len(s.Actions))
		for _, a := range s.Actions {
			actionSet[a] = struct{}{}
		}
	}

	if _, ok := stateSet[s.defaultState()]; !ok {
		return fmt.Errorf("default state %q not declared", s.defaultState())
	}

	if len(s.Transitions) == 0 {
		return fmt.Errorf("no transitions defined")
	}
	seen := make(map[[2]string]int)
	for i, tr := range s.Transitions {
		if len(tr.FromStates) == 0 {
			return fmt.Errorf("transition #%d missing fromStates", i)
		}
		if len(tr.Events) == 0 {
			return fmt.Errorf("transition #%d missing events", i)
		}
		if tr.ToState != "" {
			if _, ok := stateSet[tr.ToState]; !ok {
				return fmt.Errorf("transition #%d has undefined target state %q", i, tr.ToState)
			}
		}
		for _, a := range tr.Actions {
			if actionSet == nil {
				break
			}
			if _, ok := actionSet[a]; !ok {
				return fmt.Errorf("transition #%d references undeclared action %q", i, a)
			}
		}
		for _, st := range tr.FromStates {
			if _, ok := stateSet[st]; !ok {
				return fmt.Errorf("transition #%d references undefined state %q", i, st)
			}
			for _, ev := range tr.Events {
				if _, ok := eventSet[ev]; !ok {
					return fmt.Errorf("transition #%d references undefined event %q", i, ev)
				}
				key := [2]string{st, ev}
				if prev, dup := seen[key]; dup {
					return fmt.Errorf("transition #%d duplicates (%s, %s) from transition #%d", i, st, ev, prev)
				}
				seen[key] = i
			}
		}
	}
	return nil
}

// NormalizedKey returns a deterministic key for caching/registry purposes.
func (s *StateMachineSpec) NormalizedKey() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('|')
	b.WriteString(s.defaultState())
	return b.String()
}

func (s *StateMachineSpec) defaultState() string {
	if s.DefaultState == "" && len(s.States) > 0 {
		return s.States[0].Name
	}
	return s.DefaultState
}

// Transition is one compiled table cell.
type Transition struct {
	From    string
	Event   string
	To      string
	Actions []string
}

// Table is a validated, compiled transition table.
type Table struct {
	name         string
	defaultState string
	cells        map[string]map[string]Transition
}

// Compile validates the spec and expands it into a lookup table.
func (s *StateMachineSpec) Compile() (*Table, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("protocol %q invalid: %w", s.Name, err)
	}
	t := &Table{
		name:         s.Name,
		defaultState: s.defaultState(),
		cells:        make(map[string]map[string]Transition),
	}
	for _, tr := range s.Transitions {
		for _, from := range tr.FromStates {
			to := tr.ToState
			if to == "" {
				to = from
			}
			if t.cells[from] == nil {
				t.cells[from] = make(map[string]Transition)
			}
			for _, ev := range tr.Events {
				t.cells[from][ev] = Transition{
					From:    from,
					Event:   ev,
					To:      to,
					Actions: append([]string(nil), tr.Actions...),
				}
			}
		}
	}
	return t, nil
}

// Name returns the protocol name.
func (t *Table) Name() string {
	return t.name
}

// DefaultState returns the state of unreferenced blocks.
func (t *Table) DefaultState() string {
	return t.defaultState
}

// Lookup returns the transition for (state, event). An empty state means
// the default state.
func (t *Table) Lookup(state, event string) (Transition, bool) {
	if state == "" {
		state = t.defaultState
	}
	tr, ok := t.cells[state][event]
	if !ok {
		return Transition{}, false
	}
	tr.Actions = append([]string(nil), tr.Actions...)
	return tr, true
}
