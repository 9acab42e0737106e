package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Readm/memcoh/backoff"
	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
	"github.com/Readm/memcoh/persist"
)

func testRetry(attempts int) backoff.Config {
	return backoff.Config{
		MaxAttempts:  attempts,
		InitialDelay: 100 * time.Microsecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

func baseOptions(ch channel.Channel, store payload.Store) Options {
	return Options{
		Capacity: 2,
		Channel:  ch,
		Payload:  store,
		Retry:    testRetry(5),
		Timeout:  time.Second,
		Logger:   logging.Nop(),
	}
}

func newNode(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func groupNode(t *testing.T, g *Group, id int) *Controller {
	t.Helper()
	c, err := g.Node(id)
	if err != nil {
		t.Fatalf("Node(%d) returned error: %v", id, err)
	}
	return c
}

func mustRead(t *testing.T, c *Controller, block string) ReadResult {
	t.Helper()
	res, err := c.Read(context.Background(), block)
	if err != nil {
		t.Fatalf("node %d read %s: %v", c.ID(), block, err)
	}
	return res
}

func mustWrite(t *testing.T, c *Controller, block, value string) {
	t.Helper()
	if err := c.Write(context.Background(), block, []byte(value)); err != nil {
		t.Fatalf("node %d write %s: %v", c.ID(), block, err)
	}
}

func expectEntry(t *testing.T, c *Controller, block string, state core.State, owners ...int) core.Entry {
	t.Helper()
	e, err := c.GetState(context.Background(), block)
	if err != nil {
		t.Fatalf("GetState returned error: %v", err)
	}
	if e.State != state || !slices.Equal(e.Owners, owners) {
		t.Fatalf("expected %s%v for %s, got %v", state, owners, block, e)
	}
	return e
}

func cached(c *Controller, block string) bool {
	b := core.MustBlock(block)
	for _, line := range c.Cache() {
		if line.Block == b {
			return true
		}
	}
	return false
}

func TestScenarioTwoNodes(t *testing.T) {
	store := payload.NewMemory()
	_, _ = store.Put(context.Background(), payload.BackingKey(core.MustBlock("0xABC")), []byte("init"), 0)
	g := NewGroup(baseOptions(channel.NewMemory(), store), nil)
	defer g.Close()
	n1, n2 := groupNode(t, g, 1), groupNode(t, g, 2)

	res := mustRead(t, n1, "0xABC")
	if res.Hit || string(res.Value) != "init" {
		t.Fatalf("expected miss with backing value, got %+v", res)
	}
	expectEntry(t, n1, "0xABC", core.StateShared, 1)

	res = mustRead(t, n2, "0xabc")
	if res.Hit || string(res.Value) != "init" {
		t.Fatalf("expected node 2 miss with backing value, got %+v", res)
	}
	expectEntry(t, n1, "0xABC", core.StateShared, 1, 2)

	mustWrite(t, n2, "0xABC", "v2")
	expectEntry(t, n1, "0xABC", core.StateModified, 2)
	if cached(n1, "0xABC") {
		t.Fatalf("expected node 1's line to be invalidated, cache %v", n1.Cache())
	}

	res = mustRead(t, n1, "0xABC")
	if res.Hit || string(res.Value) != "v2" {
		t.Fatalf("expected node 1 miss with node 2's value, got %+v", res)
	}
	expectEntry(t, n1, "0xABC", core.StateShared, 1, 2)

	res = mustRead(t, n1, "0xABC")
	if !res.Hit || string(res.Value) != "v2" {
		t.Fatalf("expected node 1 hit, got %+v", res)
	}
	if stats := n1.Stats(); stats.Accesses != 3 || stats.Misses != 2 {
		t.Fatalf("expected 3 accesses and 2 misses, got %+v", stats)
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	for _, protocol := range []string{"mesi", "moesi"} {
		for _, wb := range []string{WritebackEager, WritebackLazy} {
			t.Run(protocol+"/"+wb, func(t *testing.T) {
				ch := channel.NewMemory()
				opts := baseOptions(ch, payload.NewMemory())
				opts.Protocol = protocol
				opts.Writeback = wb
				g := NewGroup(opts, nil)
				defer g.Close()

				rng := rand.New(rand.NewSource(7))
				blocks := []string{"0x0", "0x40", "0x80", "0xC0"}
				model := make(map[string]string)
				for i := 0; i < 400; i++ {
					node := groupNode(t, g, rng.Intn(3))
					block := blocks[rng.Intn(len(blocks))]
					if rng.Intn(3) == 0 {
						value := fmt.Sprintf("n%d-%d", node.ID(), i)
						mustWrite(t, node, block, value)
						model[block] = value
						expectEntry(t, node, block, core.StateModified, node.ID())
					} else {
						res := mustRead(t, node, block)
						if string(res.Value) != model[block] {
							t.Fatalf("op %d: node %d read %s = %q, expected %q", i, node.ID(), block, res.Value, model[block])
						}
					}
					snap, err := ch.Fetch(context.Background())
					if err != nil {
						t.Fatalf("Fetch returned error: %v", err)
					}
					if err := snap.Validate(); err != nil {
						t.Fatalf("op %d: %v", i, err)
					}
				}
			})
		}
	}
}

func TestConcurrentWritersLoseNoUpdate(t *testing.T) {
	ch := channel.NewMemory()
	opts := baseOptions(ch, payload.NewMemory())
	opts.Retry = testRetry(10000)
	g := NewGroup(opts, nil)
	defer g.Close()

	const nodes, writes = 6, 20
	var wg sync.WaitGroup
	errs := make(chan error, nodes)
	for id := 0; id < nodes; id++ {
		c := groupNode(t, g, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				if err := c.Write(context.Background(), "0x100", []byte(fmt.Sprintf("%d:%d", c.ID(), i))); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	snap, _ := ch.Fetch(context.Background())
	if snap.Version != nodes*writes {
		t.Fatalf("expected %d publishes, got version %d", nodes*writes, snap.Version)
	}
	e := snap.Get(core.MustBlock("0x100"))
	if e.State != core.StateModified || len(e.Owners) != 1 {
		t.Fatalf("expected a single Modified owner, got %v", e)
	}
	res := mustRead(t, groupNode(t, g, nodes), "0x100")
	if want := fmt.Sprintf("%d:%d", e.Owners[0], writes-1); string(res.Value) != want {
		t.Fatalf("expected last write %q, got %q", want, res.Value)
	}
}

func TestStaleLineNotServedAcrossProcesses(t *testing.T) {
	ch, store := channel.NewMemory(), payload.NewMemory()
	n1 := newNode(t, withID(baseOptions(ch, store), 1))
	n2 := newNode(t, withID(baseOptions(ch, store), 2))

	mustWrite(t, n1, "0x8", "first")
	mustRead(t, n2, "0x8")
	mustWrite(t, n2, "0x8", "second")
	if !cached(n1, "0x8") {
		t.Fatalf("expected node 1 to still hold its stale line without a group")
	}
	res := mustRead(t, n1, "0x8")
	if res.Hit || string(res.Value) != "second" {
		t.Fatalf("expected node 1 to miss and read the new value, got %+v", res)
	}
}

func withID(opts Options, id int) Options {
	opts.NodeID = id
	return opts
}

func TestInvalidAddress(t *testing.T) {
	c := newNode(t, baseOptions(channel.NewMemory(), payload.NewMemory()))
	if _, err := c.Read(context.Background(), "ABC"); !errors.Is(err, core.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress from Read, got %v", err)
	}
	if err := c.Write(context.Background(), "0xZZ", []byte("x")); !errors.Is(err, core.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress from Write, got %v", err)
	}
	if _, err := c.GetState(context.Background(), ""); !errors.Is(err, core.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress from GetState, got %v", err)
	}
}

// flakyChannel fails a number of fetches before delegating.
type flakyChannel struct {
	channel.Channel
	mu       sync.Mutex
	failures int
}

func (f *flakyChannel) Fetch(ctx context.Context) (core.Snapshot, error) {
	f.mu.Lock()
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return core.Snapshot{}, fmt.Errorf("%w: injected", core.ErrChannelUnavailable)
	}
	return f.Channel.Fetch(ctx)
}

// racingChannel lets another writer publish right before each of the first
// races publishes.
type racingChannel struct {
	channel.Channel
	races int
}

func (r *racingChannel) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	if r.races > 0 {
		r.races--
		cur, err := r.Channel.Fetch(ctx)
		if err == nil {
			_, _ = r.Channel.Publish(ctx, cur)
		}
	}
	return r.Channel.Publish(ctx, snap)
}

// lostAckChannel commits publishes but reports the first losses of them as
// failed, as a remote channel does when the reply misses its deadline. A
// negative losses loses every acknowledgement.
type lostAckChannel struct {
	channel.Channel
	mu     sync.Mutex
	losses int
}

func (l *lostAckChannel) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	stored, err := l.Channel.Publish(ctx, snap)
	if err != nil {
		return stored, err
	}
	l.mu.Lock()
	lose := l.losses != 0
	if l.losses > 0 {
		l.losses--
	}
	l.mu.Unlock()
	if lose {
		return core.Snapshot{}, fmt.Errorf("%w: reply lost", core.ErrChannelUnavailable)
	}
	return stored, nil
}

func TestLostPublishAckDoesNotServeStaleLine(t *testing.T) {
	ch, store := channel.NewMemory(), payload.NewMemory()
	n2 := newNode(t, withID(baseOptions(ch, store), 2))
	lossy := &lostAckChannel{Channel: ch}
	n1 := newNode(t, withID(baseOptions(lossy, store), 1))

	mustWrite(t, n1, "0x8", "first")
	mustRead(t, n2, "0x8")
	mustWrite(t, n2, "0x8", "second")

	lossy.losses = 1
	res := mustRead(t, n1, "0x8")
	if res.Hit || string(res.Value) != "second" {
		t.Fatalf("expected node 1 to miss and read second after a lost ack, got hit=%v value=%q", res.Hit, res.Value)
	}
	if lossy.losses != 0 {
		t.Fatalf("expected the lost ack to be consumed, %d left", lossy.losses)
	}
	expectEntry(t, n2, "0x8", core.StateShared, 1, 2)

	res = mustRead(t, n1, "0x8")
	if !res.Hit || string(res.Value) != "second" {
		t.Fatalf("expected node 1 hit on second, got hit=%v value=%q", res.Hit, res.Value)
	}
}

func TestLostPublishAckKeepsStagedLine(t *testing.T) {
	ch, store := channel.NewMemory(), payload.NewMemory()
	opts := withID(baseOptions(&lostAckChannel{Channel: ch, losses: -1}, store), 1)
	opts.Writeback = WritebackLazy
	opts.Retry = testRetry(1)
	n1 := newNode(t, opts)
	n2 := newNode(t, withID(baseOptions(ch, store), 2))

	if err := n1.Write(context.Background(), "0x9", []byte("x")); !errors.Is(err, core.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable from unacknowledged write, got %v", err)
	}
	e := expectEntry(t, n2, "0x9", core.StateModified, 1)
	if _, _, ok, _ := store.Get(context.Background(), payload.LineKey("0x9", 1, e.Rev)); !ok {
		t.Fatalf("expected the published line 0x9@1#%d to survive, store has %v", e.Rev, store.Keys())
	}

	res := mustRead(t, n2, "0x9")
	if string(res.Value) != "x" {
		t.Fatalf("expected node 2 to read the committed value, got %q", res.Value)
	}
	expectEntry(t, n2, "0x9", core.StateShared, 1, 2)
}

func TestRetriesChannelFailures(t *testing.T) {
	broker := hooks.NewPluginBroker()
	var retried int
	var attempts int
	broker.RegisterRetry(func(ctx *hooks.RetryContext) error {
		retried++
		return nil
	})
	broker.RegisterAfterRequest(func(ctx *hooks.RequestContext) error {
		attempts = ctx.Attempts
		return nil
	})
	opts := baseOptions(&flakyChannel{Channel: channel.NewMemory(), failures: 2}, payload.NewMemory())
	opts.Broker = broker
	c := newNode(t, opts)

	mustRead(t, c, "0x1")
	if retried != 2 || attempts != 3 {
		t.Fatalf("expected 2 retries over 3 attempts, got %d retries %d attempts", retried, attempts)
	}
}

func TestChannelUnavailableAfterRetries(t *testing.T) {
	opts := baseOptions(&flakyChannel{Channel: channel.NewMemory(), failures: -1}, payload.NewMemory())
	opts.Retry = testRetry(3)
	c := newNode(t, opts)

	_, err := c.Read(context.Background(), "0x1")
	if !errors.Is(err, core.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if !errors.Is(err, backoff.ErrExhausted) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if len(c.Cache()) != 0 {
		t.Fatalf("expected failed read to leave the cache untouched, got %v", c.Cache())
	}
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	c := newNode(t, baseOptions(channel.NewMemory(), payload.NewMemory()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Write(ctx, "0x1", []byte("x")); !errors.Is(err, core.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestVersionConflictRefetches(t *testing.T) {
	ch := channel.NewMemory()
	store := payload.NewMemory()
	c := newNode(t, baseOptions(&racingChannel{Channel: ch, races: 2}, store))

	mustWrite(t, c, "0x20", "won")
	snap, _ := ch.Fetch(context.Background())
	if snap.Version != 3 {
		t.Fatalf("expected two racing publishes plus ours, got version %d", snap.Version)
	}
	e := snap.Get(core.MustBlock("0x20"))
	if e.State != core.StateModified || e.Rev != 3 {
		t.Fatalf("expected Modified at rev 3, got %v rev=%d", e, e.Rev)
	}
	for _, key := range store.Keys() {
		if payload.IsLineKey(key) && key != payload.LineKey("0x20", 0, 3) {
			t.Fatalf("expected lines of lost attempts to be dropped, found %s", key)
		}
	}
}

func TestMESIRejectsOwnedEntry(t *testing.T) {
	ch := channel.NewMemory()
	snap := core.NewSnapshot()
	snap.Entries[core.MustBlock("0x5")] = core.Entry{State: core.StateOwned, Owners: []int{1, 2}, Holder: 1}
	if _, err := ch.Publish(context.Background(), snap); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	broker := hooks.NewPluginBroker()
	attempts := 0
	broker.RegisterAfterRequest(func(ctx *hooks.RequestContext) error {
		attempts = ctx.Attempts
		return nil
	})
	opts := baseOptions(ch, payload.NewMemory())
	opts.Broker = broker
	c := newNode(t, opts)

	if _, err := c.Read(context.Background(), "0x5"); !errors.Is(err, core.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retry of an invariant violation, got %d attempts", attempts)
	}
}

func TestMOESIOwnerSuppliesData(t *testing.T) {
	store := payload.NewMemory()
	opts := baseOptions(channel.NewMemory(), store)
	opts.Protocol = "moesi"
	opts.Writeback = WritebackLazy
	g := NewGroup(opts, nil)
	defer g.Close()
	n1, n2, n3 := groupNode(t, g, 1), groupNode(t, g, 2), groupNode(t, g, 3)

	mustWrite(t, n1, "0xA", "a")
	if res := mustRead(t, n2, "0xA"); string(res.Value) != "a" {
		t.Fatalf("expected owner's value, got %q", res.Value)
	}
	e := expectEntry(t, n2, "0xA", core.StateOwned, 1, 2)
	if e.Holder != 1 {
		t.Fatalf("expected node 1 to hold the block, got %d", e.Holder)
	}
	if _, _, ok, _ := store.Get(context.Background(), payload.BackingKey("0xA")); ok {
		t.Fatalf("expected no write-back on M to O")
	}
	mustRead(t, n3, "0xA")
	expectEntry(t, n3, "0xA", core.StateOwned, 1, 2, 3)

	mustWrite(t, n2, "0xA", "b")
	expectEntry(t, n2, "0xA", core.StateModified, 2)
	if cached(n1, "0xA") || cached(n3, "0xA") {
		t.Fatalf("expected nodes 1 and 3 to be invalidated")
	}
	if res := mustRead(t, n1, "0xA"); string(res.Value) != "b" {
		t.Fatalf("expected new owner's value, got %q", res.Value)
	}
	e = expectEntry(t, n1, "0xA", core.StateOwned, 1, 2)
	if e.Holder != 2 {
		t.Fatalf("expected node 2 to hold the block, got %d", e.Holder)
	}
}

func TestWritebackPolicies(t *testing.T) {
	backing := func(store *payload.Memory) string {
		v, _, ok, _ := store.Get(context.Background(), payload.BackingKey("0x3"))
		if !ok {
			return "<absent>"
		}
		return string(v)
	}
	lines := func(store *payload.Memory) int {
		n := 0
		for _, k := range store.Keys() {
			if payload.IsLineKey(k) {
				n++
			}
		}
		return n
	}

	eager := payload.NewMemory()
	g := NewGroup(baseOptions(channel.NewMemory(), eager), nil)
	mustWrite(t, groupNode(t, g, 1), "0x3", "x")
	if got := backing(eager); got != "x" {
		t.Fatalf("expected eager write-through, backing is %s", got)
	}
	g.Close()

	lazy := payload.NewMemory()
	opts := baseOptions(channel.NewMemory(), lazy)
	opts.Writeback = WritebackLazy
	g = NewGroup(opts, nil)
	defer g.Close()
	mustWrite(t, groupNode(t, g, 1), "0x3", "x")
	mustWrite(t, groupNode(t, g, 1), "0x3", "y")
	if got := backing(lazy); got != "<absent>" {
		t.Fatalf("expected lazy write to stay in the line, backing is %s", got)
	}
	if n := lines(lazy); n != 1 {
		t.Fatalf("expected one live line, got %d (%v)", n, lazy.Keys())
	}
	mustRead(t, groupNode(t, g, 2), "0x3")
	if got := backing(lazy); got != "y" {
		t.Fatalf("expected write-back on M to S, backing is %s", got)
	}
	if n := lines(lazy); n != 0 {
		t.Fatalf("expected line dropped after write-back, got %v", lazy.Keys())
	}
}

func TestEvictedOwnerLineIsRefetched(t *testing.T) {
	broker := hooks.NewPluginBroker()
	var evicted []core.Block
	broker.RegisterEvict(func(ctx *hooks.EvictContext) error {
		evicted = append(evicted, ctx.Block)
		return nil
	})
	opts := baseOptions(channel.NewMemory(), payload.NewMemory())
	opts.Capacity = 1
	opts.Writeback = WritebackLazy
	opts.Broker = broker
	c := newNode(t, opts)

	mustWrite(t, c, "0x1", "one")
	mustWrite(t, c, "0x2", "two")
	if len(evicted) != 1 || evicted[0] != "0x1" {
		t.Fatalf("expected 0x1 evicted, got %v", evicted)
	}
	res := mustRead(t, c, "0x1")
	if res.Hit || string(res.Value) != "one" {
		t.Fatalf("expected miss served from own line, got %+v", res)
	}
	expectEntry(t, c, "0x1", core.StateModified, 0)
}

func TestCacheSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_vm1.json")
	ch, store := channel.NewMemory(), payload.NewMemory()

	opts := withID(baseOptions(ch, store), 1)
	opts.Persist = persist.NewJSONFile(path)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	mustWrite(t, c, "0xABC", "kept")
	mustRead(t, c, "0xDEF")
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	opts.Persist = persist.NewJSONFile(path)
	restarted := newNode(t, opts)
	got := restarted.Cache()
	if len(got) != 2 || got[0].Block != "0xABC" || got[1].Block != "0xDEF" {
		t.Fatalf("expected restored LRU order, got %v", got)
	}
	res := mustRead(t, restarted, "0xABC")
	if !res.Hit || string(res.Value) != "kept" {
		t.Fatalf("expected restored hit, got %+v", res)
	}
}

func TestBeforeRequestHookRejects(t *testing.T) {
	broker := hooks.NewPluginBroker()
	broker.RegisterBeforeRequest(func(ctx *hooks.RequestContext) error {
		if ctx.Kind == hooks.RequestWrite {
			return errors.New("read-only node")
		}
		return nil
	})
	opts := baseOptions(channel.NewMemory(), payload.NewMemory())
	opts.Broker = broker
	c := newNode(t, opts)
	if err := c.Write(context.Background(), "0x1", []byte("x")); err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("expected hook rejection, got %v", err)
	}
	expectEntry(t, c, "0x1", core.StateUncached)
}

func TestNewValidatesOptions(t *testing.T) {
	opts := baseOptions(channel.NewMemory(), payload.NewMemory())
	bad := []func(*Options){
		func(o *Options) { o.NodeID = -1 },
		func(o *Options) { o.Channel = nil },
		func(o *Options) { o.Payload = nil },
		func(o *Options) { o.Capacity = 0 },
		func(o *Options) { o.Protocol = "dragon" },
		func(o *Options) { o.Writeback = "never" },
	}
	for i, mutate := range bad {
		o := opts
		mutate(&o)
		if _, err := New(o); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := New(withCapacity(opts, 0)); !errors.Is(err, core.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func withCapacity(opts Options, capacity int) Options {
	opts.Capacity = capacity
	return opts
}
