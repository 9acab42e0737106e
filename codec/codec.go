// Package codec encodes directory snapshots for the shared state channel and
// decodes them strictly: a malformed entry is dropped and reported, never
// guessed at.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/Readm/memcoh/core"
)

// Issue describes one part of a snapshot the decoder skipped.
// Block is empty when the whole text was rejected.
type Issue struct {
	Block string
	Err   error
}

func (i Issue) Error() string {
	if i.Block == "" {
		return i.Err.Error()
	}
	return fmt.Sprintf("entry %q: %v", i.Block, i.Err)
}

func (i Issue) Unwrap() error {
	return i.Err
}

type wireEntry struct {
	State  string          `json:"state"`
	Owners json.RawMessage `json:"owners,omitempty"`
	Holder *int64          `json:"holder,omitempty"`
	Rev    int64           `json:"rev,omitempty"`
}

type outEntry struct {
	State  string `json:"state"`
	Owners []int  `json:"owners"`
	Holder *int   `json:"holder,omitempty"`
	Rev    int64  `json:"rev,omitempty"`
}

// Encode renders snap with blocks in address order and sorted owners.
// An entry that breaks an invariant is refused.
func Encode(snap core.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"version":%d,"entries":{`, snap.Version)
	for i, block := range snap.Blocks() {
		e := snap.Entries[block].Normalize()
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("encode %s: %w", block, err)
		}
		out := outEntry{State: string(e.State), Owners: e.Owners, Rev: e.Rev}
		if out.Owners == nil {
			out.Owners = []int{}
		}
		if e.State == core.StateOwned {
			holder := e.Holder
			out.Holder = &holder
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(string(block))
		val, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", block, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// Decode parses snapshot text. Both the versioned form
// {"version":N,"entries":{...}} and a bare block map (version 0) are
// accepted. Empty input is an empty snapshot. Text that is not a JSON object
// yields an empty snapshot and a single issue.
func Decode(data []byte) (core.Snapshot, []Issue) {
	snap := core.NewSnapshot()
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}

	var top map[string]json.RawMessage
	if err := unmarshalStrict(data, &top, false); err != nil {
		return snap, []Issue{{Err: fmt.Errorf("%w: %v", core.ErrDecode, err)}}
	}

	var issues []Issue
	entries := top
	if rawEntries, wrapped := top["entries"]; wrapped {
		for key := range top {
			if key != "entries" && key != "version" {
				issues = append(issues, Issue{Err: fmt.Errorf("%w: unknown field %q", core.ErrDecode, key)})
			}
		}
		if rawVersion, ok := top["version"]; ok {
			v, err := parseVersion(rawVersion)
			if err != nil {
				return core.NewSnapshot(), append(issues, Issue{Err: err})
			}
			snap.Version = v
		}
		entries = nil
		if err := unmarshalStrict(rawEntries, &entries, false); err != nil {
			return snap, append(issues, Issue{Err: fmt.Errorf("%w: entries: %v", core.ErrDecode, err)})
		}
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		block, entry, err := decodeEntry(key, entries[key])
		if err != nil {
			issues = append(issues, Issue{Block: key, Err: err})
			continue
		}
		if _, dup := snap.Entries[block]; dup {
			issues = append(issues, Issue{Block: key, Err: fmt.Errorf("%w: duplicate of %s", core.ErrDecode, block)})
			continue
		}
		snap.Entries[block] = entry
	}
	return snap, issues
}

// Digest returns a content hash of encoded snapshot text.
func Digest(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func decodeEntry(key string, raw json.RawMessage) (core.Block, core.Entry, error) {
	block, err := core.ParseBlock(key)
	if err != nil {
		return "", core.Entry{}, fmt.Errorf("%w: %w", core.ErrDecode, err)
	}
	var w wireEntry
	if err := unmarshalStrict(raw, &w, true); err != nil {
		return "", core.Entry{}, fmt.Errorf("%w: %v", core.ErrDecode, err)
	}
	state, err := core.ParseState(w.State)
	if err != nil {
		return "", core.Entry{}, fmt.Errorf("%w: %v", core.ErrDecode, err)
	}
	owners, err := parseOwners(w.Owners)
	if err != nil {
		return "", core.Entry{}, fmt.Errorf("%w: %v", core.ErrDecode, err)
	}
	if w.Rev < 0 {
		return "", core.Entry{}, fmt.Errorf("%w: negative rev %d", core.ErrDecode, w.Rev)
	}
	entry := core.Entry{State: state, Owners: owners, Holder: core.NoHolder, Rev: w.Rev}
	if w.Holder != nil {
		entry.Holder = int(*w.Holder)
	}
	entry = entry.Normalize()
	if err := entry.Validate(); err != nil {
		return "", core.Entry{}, fmt.Errorf("%w: %w", core.ErrDecode, err)
	}
	return block, entry, nil
}

// parseOwners accepts a JSON integer array or a comma-separated string.
func parseOwners(raw json.RawMessage) ([]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var fields []string
	switch raw[0] {
	case '[':
		var nums []json.Number
		if err := unmarshalStrict(raw, &nums, false); err != nil {
			return nil, fmt.Errorf("owners: %v", err)
		}
		for _, n := range nums {
			fields = append(fields, n.String())
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("owners: %v", err)
		}
		if strings.TrimSpace(s) != "" {
			fields = strings.Split(s, ",")
		}
	default:
		return nil, fmt.Errorf("owners must be a list or a comma-separated string")
	}
	owners := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("owner %q is not an integer", f)
		}
		if id < 0 {
			return nil, fmt.Errorf("owner %d is negative", id)
		}
		owners = append(owners, id)
	}
	return owners, nil
}

func parseVersion(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := unmarshalStrict(raw, &n, false); err != nil {
		return 0, fmt.Errorf("%w: version: %v", core.ErrDecode, err)
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: version %q is not a non-negative integer", core.ErrDecode, n)
	}
	return v, nil
}

func unmarshalStrict(data []byte, v any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
