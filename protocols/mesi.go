package protocols

import (
	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/slicc"
)

// MESISpec is the base three-state directory protocol. Readers of a Modified
// block take the owner's value, write it back and demote the block to Shared.
var MESISpec = &slicc.StateMachineSpec{
	Name:         "mesi",
	Description:  "directory MESI reduced to Uncached/Shared/Modified with multi-owner Shared",
	DefaultState: "U",
	States: []slicc.StateSpec{
		{Name: "U", Description: "Uncached – no node holds a copy"},
		{Name: "S", Description: "Shared – owners hold clean copies of the backing value"},
		{Name: "M", Description: "Modified – the single owner holds the only current value"},
	},
	Events:  requestEvents,
	Actions: allActions,
	Transitions: []slicc.TransitionSpec{
		// Reads
		{FromStates: []string{"U", "S"}, Events: []string{capabilities.EventLoad}, ToState: "S",
			Actions: []string{capabilities.ActionFetchBacking, capabilities.ActionAddOwner}},
		{FromStates: []string{"S", "M"}, Events: []string{capabilities.EventLoadHit},
			Actions: []string{capabilities.ActionReadLocal}},
		{FromStates: []string{"M"}, Events: []string{capabilities.EventLoad}, ToState: "S",
			Actions: []string{capabilities.ActionFetchHolder, capabilities.ActionWriteback, capabilities.ActionAddOwner}},

		// Writes
		{FromStates: []string{"U", "S", "M"}, Events: []string{capabilities.EventStore}, ToState: "M",
			Actions: []string{capabilities.ActionInvalidateOthers, capabilities.ActionStageData}},
		{FromStates: []string{"M"}, Events: []string{capabilities.EventStoreHit},
			Actions: []string{capabilities.ActionStageData}},
	},
}

var requestEvents = []slicc.EventSpec{
	{Name: capabilities.EventLoad, Description: "read by a node outside the owner set"},
	{Name: capabilities.EventLoadHit, Description: "read by a current owner"},
	{Name: capabilities.EventStore, Description: "write by a node that is not the Modified owner"},
	{Name: capabilities.EventStoreHit, Description: "write by the Modified owner"},
}

var allActions = []string{
	capabilities.ActionReadLocal,
	capabilities.ActionFetchBacking,
	capabilities.ActionFetchHolder,
	capabilities.ActionWriteback,
	capabilities.ActionAddOwner,
	capabilities.ActionInvalidateOthers,
	capabilities.ActionStageData,
}
