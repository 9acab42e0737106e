// Package controller implements the node coherence controller: the per-node
// entry point that runs reads and writes against the shared directory.
//
// Every request is one fetch, plan, apply, publish cycle. The publish is a
// compare-and-swap on the snapshot version, so a cycle that raced another
// node fails with core.ErrVersionConflict and is retried from a fresh fetch.
// Block values live in the payload store: the backing value per block plus
// one line per committed write, keyed by writer and revision, so a reader
// always finds the value named by the snapshot it acted on.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Readm/memcoh/backoff"
	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
	"github.com/Readm/memcoh/persist"
	"github.com/Readm/memcoh/protocols"
)

// DefaultTimeout bounds each channel or payload call.
const DefaultTimeout = 2 * time.Second

// Writeback policies.
const (
	// WritebackEager writes every committed value through to the backing store.
	WritebackEager = "eager"
	// WritebackLazy leaves a written value in the writer's line until a read
	// demotes the writer to a sharer.
	WritebackLazy = "lazy"
)

// Options configure a Controller. Channel and Payload are shared with the
// other nodes and are not closed by the controller.
type Options struct {
	NodeID    int
	Capacity  int
	Protocol  string
	Writeback string
	Channel   channel.Channel
	Payload   payload.Store
	Persist   persist.Store
	Retry     backoff.Config
	Timeout   time.Duration
	Broker    *hooks.PluginBroker
	Logger    *logging.Logger
}

// ReadResult is the outcome of a read. Hit reports a local cache hit.
type ReadResult struct {
	Hit   bool
	Value []byte
}

// Controller serves one node. Requests on one controller are serialized.
type Controller struct {
	id      int
	engine  *capabilities.Engine
	cache   *capabilities.LocalCache
	ch      channel.Channel
	store   payload.Store
	persist persist.Store
	retry   backoff.Config
	timeout time.Duration
	lazy    bool
	broker  *hooks.PluginBroker
	log     *logging.Logger

	mu sync.Mutex
}

// New builds a controller and restores its local cache from Persist.
func New(opts Options) (*Controller, error) {
	if err := core.ValidateNode(opts.NodeID); err != nil {
		return nil, err
	}
	if opts.Channel == nil {
		return nil, errors.New("controller: channel is nil")
	}
	if opts.Payload == nil {
		return nil, errors.New("controller: payload store is nil")
	}
	engine, err := protocols.NewEngine(opts.Protocol)
	if err != nil {
		return nil, err
	}
	var lazy bool
	switch opts.Writeback {
	case "", WritebackEager:
	case WritebackLazy:
		lazy = true
	default:
		return nil, fmt.Errorf("controller: unknown writeback policy %q", opts.Writeback)
	}

	c := &Controller{
		id:      opts.NodeID,
		engine:  engine,
		ch:      opts.Channel,
		store:   opts.Payload,
		persist: opts.Persist,
		retry:   opts.Retry,
		timeout: opts.Timeout,
		lazy:    lazy,
		broker:  opts.Broker,
		log:     opts.Logger,
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = backoff.Default()
	}
	c.retry.Retryable = core.Retryable
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.broker == nil {
		c.broker = hooks.NewPluginBroker()
	}
	if c.log == nil {
		c.log = logging.GetLogger()
	}
	c.log = c.log.With("node", c.id)

	cache, err := capabilities.NewLocalCache(opts.Capacity, c.evicted)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	for _, capability := range []capabilities.NodeCapability{cache, engine} {
		if err := capability.Register(c.broker); err != nil {
			return nil, err
		}
	}
	if c.persist != nil {
		lines, err := c.persist.Load()
		if err != nil {
			c.log.Warnf("starting with an empty cache: %v", err)
		}
		cache.Load(lines)
	}
	return c, nil
}

// ID returns the node identity.
func (c *Controller) ID() int {
	return c.id
}

// Protocol returns the protocol variant name.
func (c *Controller) Protocol() string {
	return c.engine.Name()
}

// Broker returns the hook broker the controller emits to.
func (c *Controller) Broker() *hooks.PluginBroker {
	return c.broker
}

// Read returns the current value of block, caching it locally.
func (c *Controller) Read(ctx context.Context, block string) (ReadResult, error) {
	b, err := core.ParseBlock(block)
	if err != nil {
		return ReadResult{}, err
	}
	rc := &hooks.RequestContext{RequestID: uuid.NewString(), NodeID: c.id, Kind: hooks.RequestRead, Block: b}
	err = c.serve(ctx, rc, func(ctx context.Context) error {
		res, err := c.readOnce(ctx, rc)
		if err == nil {
			rc.Hit, rc.Value = res.Hit, res.Value
		}
		return err
	})
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Hit: rc.Hit, Value: rc.Value}, nil
}

// Write makes data the value of block with this node as its exclusive owner.
func (c *Controller) Write(ctx context.Context, block string, data []byte) error {
	b, err := core.ParseBlock(block)
	if err != nil {
		return err
	}
	rc := &hooks.RequestContext{RequestID: uuid.NewString(), NodeID: c.id, Kind: hooks.RequestWrite, Block: b, Data: data}
	return c.serve(ctx, rc, func(ctx context.Context) error {
		return c.writeOnce(ctx, rc)
	})
}

// GetState returns the published directory entry of block.
func (c *Controller) GetState(ctx context.Context, block string) (core.Entry, error) {
	b, err := core.ParseBlock(block)
	if err != nil {
		return core.Entry{}, err
	}
	snap, err := c.Directory(ctx)
	if err != nil {
		return core.Entry{}, err
	}
	return snap.Get(b), nil
}

// Directory returns the published snapshot.
func (c *Controller) Directory(ctx context.Context) (core.Snapshot, error) {
	var snap core.Snapshot
	err := c.withRetry(ctx, nil, func(ctx context.Context) error {
		var err error
		snap, err = c.fetch(ctx)
		return err
	})
	return snap, err
}

// Cache returns the local cache lines from least to most recently used.
func (c *Controller) Cache() []capabilities.CacheLine {
	return c.cache.Display()
}

// Stats returns the local cache counters.
func (c *Controller) Stats() capabilities.CacheStats {
	return c.cache.Stats()
}

// Close saves and releases the persistence store.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persist == nil {
		return nil
	}
	err := c.persist.Save(c.cache.Display())
	if cerr := c.persist.Close(); err == nil {
		err = cerr
	}
	c.persist = nil
	return err
}

// serve runs one request under the node lock with retries, hooks and
// persistence around it.
func (c *Controller) serve(ctx context.Context, rc *hooks.RequestContext, attempt func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.broker.EmitBeforeRequest(rc); err != nil {
		return fmt.Errorf("request %s rejected: %w", rc.RequestID, err)
	}
	err := c.withRetry(ctx, rc, attempt)
	rc.Err = err
	if err == nil {
		c.save()
	}
	if herr := c.broker.EmitAfterRequest(rc); herr != nil {
		c.log.Warnf("after-request hook: %v", herr)
	}
	return err
}

func (c *Controller) withRetry(ctx context.Context, rc *hooks.RequestContext, attempt func(ctx context.Context) error) error {
	retry := c.retry
	retry.Report = func(n int, err error) {
		c.log.Debugf("attempt %d failed: %v", n, err)
		if rc == nil {
			return
		}
		if herr := c.broker.EmitRetry(&hooks.RetryContext{
			RequestID: rc.RequestID, NodeID: c.id, Block: rc.Block, Attempt: n, Err: err,
		}); herr != nil {
			c.log.Warnf("retry hook: %v", herr)
		}
	}
	err := retry.Retry(ctx, func(n int) error {
		if rc != nil {
			rc.Attempts = n
		}
		return attempt(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backoff.ErrExhausted):
		if errors.Is(err, core.ErrChannelUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrChannelUnavailable, err)
	case ctx.Err() != nil && !errors.Is(err, core.ErrChannelUnavailable):
		return fmt.Errorf("%w: %w", core.ErrChannelUnavailable, err)
	default:
		return err
	}
}

func (c *Controller) save() {
	if c.persist == nil {
		return
	}
	if err := c.persist.Save(c.cache.Display()); err != nil {
		c.log.Warnf("persist cache: %v", err)
	}
}

func (c *Controller) evicted(line capabilities.CacheLine) {
	if err := c.broker.EmitEvict(&hooks.EvictContext{NodeID: c.id, Block: line.Block, Value: line.Value}); err != nil {
		c.log.Warnf("evict hook: %v", err)
	}
}
