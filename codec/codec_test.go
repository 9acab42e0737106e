package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/Readm/memcoh/core"
)

func TestEncodeOrdersBlocksAndOwners(t *testing.T) {
	snap := core.NewSnapshot()
	snap.Version = 7
	snap.Entries[core.MustBlock("0x10")] = core.NewEntry(core.StateShared, 3, 1)
	snap.Entries[core.MustBlock("0x2")] = core.NewEntry(core.StateModified, 2)
	snap.Entries[core.MustBlock("0x3")] = core.UncachedEntry()

	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := `{"version":7,"entries":{"0x2":{"state":"M","owners":[2]},"0x3":{"state":"U","owners":[]},"0x10":{"state":"S","owners":[1,3]}}}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestEncodeRefusesInvalidEntry(t *testing.T) {
	snap := core.NewSnapshot()
	snap.Entries[core.MustBlock("0x1")] = core.Entry{State: core.StateModified, Owners: []int{1, 2}}
	if _, err := Encode(snap); !errors.Is(err, core.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestDecodeRoundTripKeepsHolderAndRev(t *testing.T) {
	snap := core.NewSnapshot()
	snap.Version = 3
	b := core.MustBlock("0xABC")
	snap.Entries[b] = core.Entry{State: core.StateOwned, Owners: []int{1, 4}, Holder: 4, Rev: 2}

	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	got, issues := Decode(data)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues %v", issues)
	}
	if got.Version != 3 || !got.Get(b).Equal(snap.Entries[b]) {
		t.Fatalf("expected %v at version 3, got %v at version %d", snap.Entries[b], got.Get(b), got.Version)
	}
}

func TestDecodeAcceptsLegacyAndStringOwners(t *testing.T) {
	text := `{"0xabc": {"state": "S", "owners": "1, 2"}, "0xDEF": {"state": "M", "owners": [5]}}`
	snap, issues := Decode([]byte(text))
	if len(issues) != 0 {
		t.Fatalf("unexpected issues %v", issues)
	}
	if snap.Version != 0 {
		t.Fatalf("expected legacy version 0, got %d", snap.Version)
	}
	if e := snap.Get(core.MustBlock("0xABC")); e.State != core.StateShared || len(e.Owners) != 2 {
		t.Fatalf("unexpected entry %v", e)
	}
	if e := snap.Get(core.MustBlock("0xDEF")); e.Holder != 5 {
		t.Fatalf("expected derived holder 5, got %v", e)
	}
}

func TestDecodeDropsMalformedEntries(t *testing.T) {
	text := `{"version": 2, "entries": {
		"0x1": {"state": "S", "owners": [1]},
		"0x2": {"state": "X", "owners": [1]},
		"0x3": {"state": "S", "owners": "1,two"},
		"0x4": {"state": "M", "owners": [1, 2]},
		"zz":  {"state": "S", "owners": [1]},
		"0x5": {"state": "S", "owners": [1], "eval": "rm -rf /"},
		"0x6": {"state": "O", "owners": [1], "holder": 2},
		"0x7": {"state": "S", "owners": [-1]}
	}}`
	snap, issues := Decode([]byte(text))
	if len(snap.Entries) != 1 || snap.Version != 2 {
		t.Fatalf("expected only 0x1 to survive at version 2, got %v", snap.Entries)
	}
	if len(issues) != 7 {
		t.Fatalf("expected 7 issues, got %d: %v", len(issues), issues)
	}
	for _, issue := range issues {
		if !errors.Is(issue, core.ErrDecode) {
			t.Fatalf("expected ErrDecode, got %v", issue)
		}
		if issue.Block == "" {
			t.Fatalf("expected per-entry issue, got %v", issue)
		}
	}
}

func TestDecodeUnparseableIsEmpty(t *testing.T) {
	for _, text := range []string{"not json", "[1,2,3]", `{"0x1": {"state": "S"}} trailing`} {
		snap, issues := Decode([]byte(text))
		if len(snap.Entries) != 0 || snap.Version != 0 {
			t.Fatalf("Decode(%q): expected empty snapshot, got %v", text, snap)
		}
		if len(issues) != 1 || issues[0].Block != "" {
			t.Fatalf("Decode(%q): expected one whole-text issue, got %v", text, issues)
		}
	}
	snap, issues := Decode([]byte("  \n"))
	if len(snap.Entries) != 0 || len(issues) != 0 {
		t.Fatalf("expected blank input to be an empty snapshot without issues")
	}
}

func TestDecodeDuplicateCanonicalBlocks(t *testing.T) {
	snap, issues := Decode([]byte(`{"0xABC": {"state": "S", "owners": [1]}, "0xabc": {"state": "S", "owners": [2]}}`))
	if len(snap.Entries) != 1 || len(issues) != 1 {
		t.Fatalf("expected one entry and one issue, got %v %v", snap.Entries, issues)
	}
	if !strings.Contains(issues[0].Error(), "duplicate") {
		t.Fatalf("unexpected issue %v", issues[0])
	}
}

func TestDigestDiffers(t *testing.T) {
	if Digest([]byte("a")) == Digest([]byte("b")) {
		t.Fatalf("expected different digests")
	}
}
