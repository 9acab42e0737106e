package capabilities

import (
	"errors"
	"testing"

	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/slicc"
)

func testSpec() *slicc.StateMachineSpec {
	return &slicc.StateMachineSpec{
		Name:         "test",
		DefaultState: "U",
		States:       []slicc.StateSpec{{Name: "U"}, {Name: "S"}, {Name: "M"}},
		Events: []slicc.EventSpec{
			{Name: EventLoad}, {Name: EventLoadHit}, {Name: EventStore}, {Name: EventStoreHit},
		},
		Transitions: []slicc.TransitionSpec{
			{FromStates: []string{"U", "S"}, Events: []string{EventLoad}, ToState: "S", Actions: []string{ActionFetchBacking, ActionAddOwner}},
			{FromStates: []string{"S", "M"}, Events: []string{EventLoadHit}, Actions: []string{ActionReadLocal}},
			{FromStates: []string{"M"}, Events: []string{EventLoad}, ToState: "S", Actions: []string{ActionFetchHolder, ActionWriteback, ActionAddOwner}},
			{FromStates: []string{"U", "S", "M"}, Events: []string{EventStore}, ToState: "M", Actions: []string{ActionInvalidateOthers, ActionStageData}},
			{FromStates: []string{"M"}, Events: []string{EventStoreHit}, Actions: []string{ActionStageData}},
		},
	}
}

func TestClassify(t *testing.T) {
	shared := core.NewEntry(core.StateShared, 1, 2)
	modified := core.NewEntry(core.StateModified, 2)
	cases := []struct {
		entry core.Entry
		node  int
		write bool
		want  string
	}{
		{core.UncachedEntry(), 1, false, EventLoad},
		{shared, 1, false, EventLoadHit},
		{shared, 3, false, EventLoad},
		{shared, 1, true, EventStore},
		{modified, 2, true, EventStoreHit},
		{modified, 1, true, EventStore},
	}
	for _, tc := range cases {
		if got := Classify(tc.entry, tc.node, tc.write); got != tc.want {
			t.Fatalf("Classify(%v, %d, %v): expected %s, got %s", tc.entry, tc.node, tc.write, tc.want, got)
		}
	}
}

func TestEngineApplyWalksScenario(t *testing.T) {
	engine, err := NewEngine(testSpec())
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	var invalidated []int
	dir := NewDirectory(func(_ core.Block, _ int, victim int) { invalidated = append(invalidated, victim) })
	block := core.MustBlock("0xABC")

	step := func(node int, write bool, rev int64) core.Entry {
		t.Helper()
		plan, err := engine.Plan(dir.GetState(block), node, write)
		if err != nil {
			t.Fatalf("Plan returned error: %v", err)
		}
		e, err := engine.Apply(dir, block, node, plan, rev)
		if err != nil {
			t.Fatalf("Apply returned error: %v", err)
		}
		if err := e.Validate(); err != nil {
			t.Fatalf("invariant broken after step: %v", err)
		}
		return e
	}

	if e := step(1, false, 0); e.State != core.StateShared || len(e.Owners) != 1 {
		t.Fatalf("expected S{1}, got %v", e)
	}
	if e := step(2, false, 0); len(e.Owners) != 2 {
		t.Fatalf("expected S{1,2}, got %v", e)
	}
	e := step(2, true, 7)
	if e.State != core.StateModified || e.Holder != 2 || e.Rev != 7 {
		t.Fatalf("expected M{2} rev 7, got %v rev=%d", e, e.Rev)
	}
	if len(invalidated) != 1 || invalidated[0] != 1 {
		t.Fatalf("expected node 1 invalidated, got %v", invalidated)
	}
	e = step(1, false, 0)
	if e.State != core.StateShared || len(e.Owners) != 2 || e.Holder != core.NoHolder || e.Rev != 7 {
		t.Fatalf("expected S{1,2} keeping rev 7, got %v rev=%d", e, e.Rev)
	}
}

func TestEngineMissingCellIsInvariantViolation(t *testing.T) {
	spec := testSpec()
	spec.Transitions = spec.Transitions[:2]
	engine, err := NewEngine(spec)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	if _, err := engine.Plan(core.UncachedEntry(), 1, true); !errors.Is(err, core.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestEngineApplyRollsBackInvalidTransition(t *testing.T) {
	engine, _ := NewEngine(testSpec())
	dir := NewDirectory(nil)
	block := core.MustBlock("0x1")
	_ = dir.SetState(block, core.StateShared, 1, 2)

	bad := Plan{Event: EventStore, From: core.StateShared, To: core.StateUncached, Actions: []string{ActionInvalidateOthers}}
	if _, err := engine.Apply(dir, block, 3, bad, 0); !errors.Is(err, core.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if e := dir.GetState(block); e.State != core.StateShared || len(e.Owners) != 2 {
		t.Fatalf("expected directory unchanged, got %v", e)
	}
}
