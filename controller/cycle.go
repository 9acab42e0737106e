package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/payload"
)

// cycle is one attempt of a request against a freshly fetched snapshot.
type cycle struct {
	snap    core.Snapshot
	dir     *capabilities.Directory
	prev    core.Entry
	plan    capabilities.Plan
	victims []int
}

func (c *Controller) begin(ctx context.Context, block core.Block, write bool) (*cycle, error) {
	snap, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	cy := &cycle{snap: snap}
	cy.dir = capabilities.DirectoryFromSnapshot(snap, func(_ core.Block, _ int, victim int) {
		cy.victims = append(cy.victims, victim)
	})
	cy.prev = cy.dir.GetState(block)
	cy.plan, err = c.engine.Plan(cy.prev, c.id, write)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", block, err)
	}
	return cy, nil
}

// rev is the version the snapshot will carry once this cycle publishes.
func (cy *cycle) rev() int64 {
	return cy.snap.Version + 1
}

func (c *Controller) readOnce(ctx context.Context, rc *hooks.RequestContext) (ReadResult, error) {
	block := rc.Block
	cy, err := c.begin(ctx, block, false)
	if err != nil {
		return ReadResult{}, err
	}

	if cy.plan.Event == capabilities.EventLoad {
		// A non-owner's line predates the last write. Drop it before
		// publishing: once we are an owner, a retry after a lost ack
		// classifies as LoadHit and must not find it.
		c.cache.Invalidate(block)
	}
	value, err := c.readValue(ctx, block, cy)
	if err != nil {
		return ReadResult{}, err
	}
	if cy.plan.Has(capabilities.ActionWriteback) {
		if _, err := c.put(ctx, payload.BackingKey(block), value, cy.prev.Rev); err != nil {
			return ReadResult{}, err
		}
	}

	next, err := c.engine.Apply(cy.dir, block, c.id, cy.plan, cy.rev())
	if err != nil {
		return ReadResult{}, fmt.Errorf("block %s: %w", block, err)
	}
	version := cy.snap.Version
	if !next.Equal(cy.prev) {
		stored, err := c.publish(ctx, cy.dir.Snapshot(cy.snap.Version))
		if err != nil {
			return ReadResult{}, err
		}
		version = stored.Version
		if cy.prev.Holder != core.NoHolder && next.Holder == core.NoHolder {
			c.drop(ctx, payload.LineKey(block, cy.prev.Holder, cy.prev.Rev))
		}
	}

	res := c.cache.Access(block, value)
	c.committed(rc, cy, next, version)
	return ReadResult{Hit: res.Hit, Value: res.Value}, nil
}

func (c *Controller) writeOnce(ctx context.Context, rc *hooks.RequestContext) error {
	block := rc.Block
	cy, err := c.begin(ctx, block, true)
	if err != nil {
		return err
	}
	rev := cy.rev()
	line := payload.LineKey(block, c.id, rev)
	if cy.plan.Has(capabilities.ActionStageData) {
		if err := c.stage(ctx, line, rc.Data, rev); err != nil {
			return err
		}
	}

	next, err := c.engine.Apply(cy.dir, block, c.id, cy.plan, rev)
	if err != nil {
		c.drop(ctx, line)
		return fmt.Errorf("block %s: %w", block, err)
	}
	stored, err := c.publish(ctx, cy.dir.Snapshot(cy.snap.Version))
	if err != nil {
		// Only a lost CAS is known not to have committed. Any other
		// failure may have published an entry naming this line.
		if errors.Is(err, core.ErrVersionConflict) {
			c.drop(ctx, line)
		}
		return err
	}

	if !c.lazy {
		if _, err := c.put(ctx, payload.BackingKey(block), rc.Data, rev); err != nil {
			c.log.Warnf("write-through %s: %v", block, err)
		}
	}
	if cy.prev.Holder != core.NoHolder {
		c.drop(ctx, payload.LineKey(block, cy.prev.Holder, cy.prev.Rev))
	}
	c.cache.Store(block, rc.Data)
	c.committed(rc, cy, next, stored.Version)
	return nil
}

// readValue resolves the value a read observes, following the plan's data
// action. An evicted local line falls back to wherever the entry says the
// current value lives.
func (c *Controller) readValue(ctx context.Context, block core.Block, cy *cycle) ([]byte, error) {
	switch {
	case cy.plan.Has(capabilities.ActionReadLocal):
		if v, ok := c.cache.Peek(block); ok {
			return v, nil
		}
		if cy.prev.Holder != core.NoHolder {
			return c.holderValue(ctx, block, cy.prev)
		}
		return c.backingValue(ctx, block)
	case cy.plan.Has(capabilities.ActionFetchHolder):
		return c.holderValue(ctx, block, cy.prev)
	case cy.plan.Has(capabilities.ActionFetchBacking):
		return c.backingValue(ctx, block)
	default:
		return nil, fmt.Errorf("%w: %s plan for %s carries no data action", core.ErrInvariantViolation, cy.plan.Event, block)
	}
}

func (c *Controller) holderValue(ctx context.Context, block core.Block, e core.Entry) ([]byte, error) {
	key := payload.LineKey(block, e.Holder, e.Rev)
	value, _, ok, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		// the holder moved on after our fetch
		return nil, fmt.Errorf("%w: line %s superseded", core.ErrVersionConflict, key)
	}
	return value, nil
}

// backingValue returns the backing value; a block never written reads as empty.
func (c *Controller) backingValue(ctx context.Context, block core.Block) ([]byte, error) {
	value, _, ok, err := c.get(ctx, payload.BackingKey(block))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []byte{}, nil
	}
	return value, nil
}

// stage writes data to a fresh line. A leftover line from an earlier failed
// attempt at the same revision is replaced.
func (c *Controller) stage(ctx context.Context, key string, data []byte, rev int64) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Delete(cctx, key); err != nil {
		return err
	}
	applied, err := c.store.Put(cctx, key, data, rev)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: line %s already staged", core.ErrVersionConflict, key)
	}
	return nil
}

// committed emits the hooks of a published cycle.
func (c *Controller) committed(rc *hooks.RequestContext, cy *cycle, next core.Entry, version int64) {
	for _, victim := range cy.victims {
		if err := c.broker.EmitInvalidate(&hooks.InvalidateContext{
			RequestID: rc.RequestID, Block: rc.Block, Requester: c.id, Victim: victim, Version: version,
		}); err != nil {
			c.log.Warnf("invalidate hook: %v", err)
		}
	}
	if err := c.broker.EmitTransition(&hooks.TransitionContext{
		RequestID: rc.RequestID, NodeID: c.id, Block: rc.Block, Event: cy.plan.Event,
		From: cy.prev, To: next, Version: version,
	}); err != nil {
		c.log.Warnf("transition hook: %v", err)
	}
}

func (c *Controller) fetch(ctx context.Context) (core.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	snap, err := c.ch.Fetch(cctx)
	if err != nil {
		return core.Snapshot{}, err
	}
	if snap.Entries == nil {
		snap.Entries = make(map[core.Block]core.Entry)
	}
	return snap, nil
}

func (c *Controller) publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ch.Publish(cctx, snap)
}

func (c *Controller) get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Get(cctx, key)
}

func (c *Controller) put(ctx context.Context, key string, value []byte, rev int64) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Put(cctx, key, value, rev)
}

// drop removes a line nothing references any more. Failures only leave garbage.
func (c *Controller) drop(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Delete(cctx, key); err != nil {
		c.log.Debugf("drop line %s: %v", key, err)
	}
}
