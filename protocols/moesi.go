package protocols

import (
	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/slicc"
)

// MOESISpec adds the Owned state: a Modified owner that is read from keeps
// supplying its dirty value to sharers instead of writing it back.
var MOESISpec = &slicc.StateMachineSpec{
	Name:         "moesi",
	Description:  "MESI with an Owned state that defers write-back",
	DefaultState: "U",
	States: []slicc.StateSpec{
		{Name: "U", Description: "Uncached – no node holds a copy"},
		{Name: "S", Description: "Shared – owners hold clean copies of the backing value"},
		{Name: "M", Description: "Modified – the single owner holds the only current value"},
		{Name: "O", Description: "Owned – the holder supplies its dirty value to the other owners"},
	},
	Events:  requestEvents,
	Actions: allActions,
	Transitions: []slicc.TransitionSpec{
		// Reads
		{FromStates: []string{"U", "S"}, Events: []string{capabilities.EventLoad}, ToState: "S",
			Actions: []string{capabilities.ActionFetchBacking, capabilities.ActionAddOwner}},
		{FromStates: []string{"S", "M", "O"}, Events: []string{capabilities.EventLoadHit},
			Actions: []string{capabilities.ActionReadLocal}},
		{FromStates: []string{"M", "O"}, Events: []string{capabilities.EventLoad}, ToState: "O",
			Actions: []string{capabilities.ActionFetchHolder, capabilities.ActionAddOwner}},

		// Writes
		{FromStates: []string{"U", "S", "M", "O"}, Events: []string{capabilities.EventStore}, ToState: "M",
			Actions: []string{capabilities.ActionInvalidateOthers, capabilities.ActionStageData}},
		{FromStates: []string{"M"}, Events: []string{capabilities.EventStoreHit},
			Actions: []string{capabilities.ActionStageData}},
	},
}
