package controller

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Readm/memcoh/hooks"
)

// SetupFunc prepares a new node's broker, typically by loading plugins.
type SetupFunc func(nodeID int, broker *hooks.PluginBroker) error

// Group runs several nodes in one process against the same channel and
// payload store. Invalidations reach the victim's local cache directly, so
// a victim drops its copy as soon as the writer commits.
type Group struct {
	base  Options
	setup SetupFunc

	mu    sync.RWMutex
	nodes map[int]*Controller
}

// NewGroup returns an empty group whose nodes are built from base. Each
// node gets its own broker; base.Broker and base.Persist are ignored.
func NewGroup(base Options, setup SetupFunc) *Group {
	base.Broker = nil
	base.Persist = nil
	return &Group{base: base, setup: setup, nodes: make(map[int]*Controller)}
}

// Node returns the controller for id, creating it on first use.
func (g *Group) Node(id int) (*Controller, error) {
	g.mu.RLock()
	c, ok := g.nodes[id]
	g.mu.RUnlock()
	if ok {
		return c, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.nodes[id]; ok {
		return c, nil
	}
	opts := g.base
	opts.NodeID = id
	opts.Broker = hooks.NewPluginBroker()
	opts.Broker.RegisterInvalidate(g.invalidate)
	if g.setup != nil {
		if err := g.setup(id, opts.Broker); err != nil {
			return nil, fmt.Errorf("node %d setup: %w", id, err)
		}
	}
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	g.nodes[id] = c
	return c, nil
}

// IDs returns the ids of the nodes created so far, sorted.
func (g *Group) IDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close closes every node.
func (g *Group) Close() error {
	g.mu.RLock()
	nodes := make([]*Controller, 0, len(g.nodes))
	for _, c := range g.nodes {
		nodes = append(nodes, c)
	}
	g.mu.RUnlock()

	var first error
	for _, c := range nodes {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *Group) invalidate(ctx *hooks.InvalidateContext) error {
	g.mu.RLock()
	victim, ok := g.nodes[ctx.Victim]
	g.mu.RUnlock()
	if ok {
		victim.cache.Invalidate(ctx.Block)
	}
	return nil
}
