package capabilities

import (
	"fmt"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/slicc"
)

// Request events. A node is a "hit" when the directory already lists it.
const (
	EventLoad     = "Load"     // read by a node that is not an owner
	EventLoadHit  = "LoadHit"  // read by a current owner
	EventStore    = "Store"    // write by a node that is not the exclusive owner
	EventStoreHit = "StoreHit" // write by the Modified owner
)

// Actions a transition may carry. Directory actions are applied by the
// Engine; data actions are executed by the controller.
const (
	ActionReadLocal        = "read_local"
	ActionFetchBacking     = "fetch_backing"
	ActionFetchHolder      = "fetch_holder"
	ActionWriteback        = "writeback"
	ActionAddOwner         = "add_owner"
	ActionInvalidateOthers = "invalidate_others"
	ActionStageData        = "stage_data"
)

// Plan is the transition chosen for one request.
type Plan struct {
	Event   string
	From    core.State
	To      core.State
	Actions []string
}

// Has reports whether the plan carries action.
func (p Plan) Has(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Engine classifies requests and applies a protocol variant's transition
// table to a Directory.
type Engine struct {
	name  string
	table *slicc.Table
}

var _ NodeCapability = (*Engine)(nil)

// NewEngine compiles spec into an engine.
func NewEngine(spec *slicc.StateMachineSpec) (*Engine, error) {
	if spec == nil {
		return nil, fmt.Errorf("state machine spec is nil")
	}
	table, err := spec.Compile()
	if err != nil {
		return nil, err
	}
	return &Engine{name: spec.Name, table: table}, nil
}

func (e *Engine) Descriptor() hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        "protocol-" + e.name,
		Category:    hooks.PluginCategoryCapability,
		Description: fmt.Sprintf("protocol engine for %s", e.name),
	}
}

func (e *Engine) Register(broker *hooks.PluginBroker) error {
	return registerMetadata(broker, e.Descriptor())
}

// Name returns the protocol variant name.
func (e *Engine) Name() string {
	return e.name
}

// Classify maps a request by node against entry to an event.
func Classify(entry core.Entry, node int, write bool) string {
	if write {
		if owner, ok := entry.SoleOwner(); ok && owner == node && entry.State == core.StateModified {
			return EventStoreHit
		}
		return EventStore
	}
	if entry.HasOwner(node) {
		return EventLoadHit
	}
	return EventLoad
}

// Plan returns the transition for a request. A (state, event) pair the
// variant does not define is an invariant violation.
func (e *Engine) Plan(entry core.Entry, node int, write bool) (Plan, error) {
	event := Classify(entry, node, write)
	state := entry.State
	if state == "" {
		state = core.State(e.table.DefaultState())
	}
	tr, ok := e.table.Lookup(string(state), event)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s has no %s transition from %s", core.ErrInvariantViolation, e.name, event, state)
	}
	return Plan{
		Event:   event,
		From:    state,
		To:      core.State(tr.To),
		Actions: tr.Actions,
	}, nil
}

// Apply executes the directory actions of plan for node on block and
// commits the resulting entry. rev is the data revision recorded by
// stage_data. Nothing is written if the result breaks an invariant.
func (e *Engine) Apply(dir *Directory, block core.Block, node int, plan Plan, rev int64) (core.Entry, error) {
	if err := core.ValidateNode(node); err != nil {
		return core.Entry{}, err
	}
	prev, existed := dir.lookup(block)
	entry := dir.GetState(block)
	for _, action := range plan.Actions {
		switch action {
		case ActionAddOwner:
			entry = entry.WithOwner(node)
		case ActionInvalidateOthers:
			dir.InvalidateOthers(block, node)
			entry = dir.GetState(block)
			entry.Owners = []int{node}
			entry.Holder = node
		case ActionStageData:
			entry.Rev = rev
			entry.Holder = node
		}
	}
	entry.State = plan.To
	entry = entry.Normalize()
	if err := dir.SetEntry(block, entry); err != nil {
		dir.restore(block, prev, existed)
		return core.Entry{}, err
	}
	return entry, nil
}
