package hooks

import (
	"sync"

	"github.com/Readm/memcoh/core"
)

// PluginCategory represents the high-level role of a plugin.
type PluginCategory string

const (
	// PluginCategoryCapability covers directory, cache and protocol engine behaviour.
	PluginCategoryCapability PluginCategory = "capability"
	// PluginCategoryAudit covers plugins that record coherence events.
	PluginCategoryAudit PluginCategory = "audit"
	// PluginCategoryInstrumentation covers metrics, tracing, and diagnostics.
	PluginCategoryInstrumentation PluginCategory = "instrumentation"
)

// PluginDescriptor describes a plugin registered with the broker.
type PluginDescriptor struct {
	Name        string
	Category    PluginCategory
	Description string
}

// RequestKind distinguishes node-facing operations.
type RequestKind string

const (
	RequestRead  RequestKind = "read"
	RequestWrite RequestKind = "write"
)

// RequestContext carries one node request through its before/after hooks.
// Result fields are filled in before the after hooks run.
type RequestContext struct {
	RequestID string
	NodeID    int
	Kind      RequestKind
	Block     core.Block
	Data      []byte

	Hit      bool
	Value    []byte
	Attempts int
	Err      error
}

// TransitionContext describes a committed directory transition.
type TransitionContext struct {
	RequestID string
	NodeID    int
	Block     core.Block
	Event     string
	From      core.Entry
	To        core.Entry
	Version   int64
}

// InvalidateContext describes one owner losing its copy of a block.
type InvalidateContext struct {
	RequestID string
	Block     core.Block
	Requester int
	Victim    int
	Version   int64
}

// EvictContext describes a local cache replacement.
type EvictContext struct {
	NodeID int
	Block  core.Block
	Value  []byte
}

// RetryContext describes a failed attempt that will be retried.
type RetryContext struct {
	RequestID string
	NodeID    int
	Block     core.Block
	Attempt   int
	Err       error
}

type BeforeRequestHook func(ctx *RequestContext) error
type AfterRequestHook func(ctx *RequestContext) error
type TransitionHook func(ctx *TransitionContext) error
type InvalidateHook func(ctx *InvalidateContext) error
type EvictHook func(ctx *EvictContext) error
type RetryHook func(ctx *RetryContext) error

// HookBundle groups multiple hook handlers that belong to one plugin.
type HookBundle struct {
	BeforeRequest []BeforeRequestHook
	AfterRequest  []AfterRequestHook
	Transition    []TransitionHook
	Invalidate    []InvalidateHook
	Evict         []EvictHook
	Retry         []RetryHook
}

// PluginBroker coordinates hook registration and triggering.
type PluginBroker struct {
	mu sync.RWMutex

	beforeRequestHooks []BeforeRequestHook
	afterRequestHooks  []AfterRequestHook
	transitionHooks    []TransitionHook
	invalidateHooks    []InvalidateHook
	evictHooks         []EvictHook
	retryHooks         []RetryHook

	pluginCatalog map[PluginCategory][]PluginDescriptor
	pluginIndex   map[string]PluginDescriptor
}

// NewPluginBroker creates an empty broker instance.
func NewPluginBroker() *PluginBroker {
	return &PluginBroker{
		pluginCatalog: make(map[PluginCategory][]PluginDescriptor),
		pluginIndex:   make(map[string]PluginDescriptor),
	}
}

// RegisterBeforeRequest registers a hook run before a request fetches the directory.
// A hook error aborts the request.
func (p *PluginBroker) RegisterBeforeRequest(h BeforeRequestHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeRequestHooks = append(p.beforeRequestHooks, h)
}

// RegisterAfterRequest registers a hook run once a request has finished, successfully or not.
func (p *PluginBroker) RegisterAfterRequest(h AfterRequestHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.afterRequestHooks = append(p.afterRequestHooks, h)
}

// RegisterTransition registers a hook run for every committed transition.
func (p *PluginBroker) RegisterTransition(h TransitionHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitionHooks = append(p.transitionHooks, h)
}

// RegisterInvalidate registers a hook run for every committed invalidation.
func (p *PluginBroker) RegisterInvalidate(h InvalidateHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidateHooks = append(p.invalidateHooks, h)
}

// RegisterEvict registers a hook run for every local cache eviction.
func (p *PluginBroker) RegisterEvict(h EvictHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictHooks = append(p.evictHooks, h)
}

// RegisterRetry registers a hook run before a failed attempt is retried.
func (p *PluginBroker) RegisterRetry(h RetryHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryHooks = append(p.retryHooks, h)
}

// EmitBeforeRequest triggers BeforeRequest hooks, stopping at the first error.
func (p *PluginBroker) EmitBeforeRequest(ctx *RequestContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]BeforeRequestHook, len(p.beforeRequestHooks))
	copy(handlers, p.beforeRequestHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitAfterRequest triggers AfterRequest hooks.
func (p *PluginBroker) EmitAfterRequest(ctx *RequestContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]AfterRequestHook, len(p.afterRequestHooks))
	copy(handlers, p.afterRequestHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitTransition triggers Transition hooks.
func (p *PluginBroker) EmitTransition(ctx *TransitionContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]TransitionHook, len(p.transitionHooks))
	copy(handlers, p.transitionHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitInvalidate triggers Invalidate hooks.
func (p *PluginBroker) EmitInvalidate(ctx *InvalidateContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]InvalidateHook, len(p.invalidateHooks))
	copy(handlers, p.invalidateHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitEvict triggers Evict hooks.
func (p *PluginBroker) EmitEvict(ctx *EvictContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]EvictHook, len(p.evictHooks))
	copy(handlers, p.evictHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitRetry triggers Retry hooks.
func (p *PluginBroker) EmitRetry(ctx *RetryContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]RetryHook, len(p.retryHooks))
	copy(handlers, p.retryHooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBundle registers a plugin descriptor together with all hook handlers.
func (p *PluginBroker) RegisterBundle(desc PluginDescriptor, bundle HookBundle) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registerDescriptorLocked(desc)

	if len(bundle.BeforeRequest) > 0 {
		p.beforeRequestHooks = append(p.beforeRequestHooks, bundle.BeforeRequest...)
	}
	if len(bundle.AfterRequest) > 0 {
		p.afterRequestHooks = append(p.afterRequestHooks, bundle.AfterRequest...)
	}
	if len(bundle.Transition) > 0 {
		p.transitionHooks = append(p.transitionHooks, bundle.Transition...)
	}
	if len(bundle.Invalidate) > 0 {
		p.invalidateHooks = append(p.invalidateHooks, bundle.Invalidate...)
	}
	if len(bundle.Evict) > 0 {
		p.evictHooks = append(p.evictHooks, bundle.Evict...)
	}
	if len(bundle.Retry) > 0 {
		p.retryHooks = append(p.retryHooks, bundle.Retry...)
	}
}

// RegisterPluginMetadata stores plugin metadata without registering hooks.
func (p *PluginBroker) RegisterPluginMetadata(desc PluginDescriptor) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerDescriptorLocked(desc)
}

// ListPlugins returns descriptors for plugins in the requested category.
func (p *PluginBroker) ListPlugins(category PluginCategory) []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	catalog := p.pluginCatalog[category]
	if len(catalog) == 0 {
		return nil
	}
	out := make([]PluginDescriptor, len(catalog))
	copy(out, catalog)
	return out
}

// ListAllPlugins returns descriptors of every registered plugin.
func (p *PluginBroker) ListAllPlugins() []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PluginDescriptor, 0, len(p.pluginIndex))
	for _, desc := range p.pluginIndex {
		out = append(out, desc)
	}
	return out
}

func (p *PluginBroker) registerDescriptorLocked(desc PluginDescriptor) {
	if desc.Name == "" {
		return
	}
	if _, exists := p.pluginIndex[desc.Name]; exists {
		return
	}
	p.pluginIndex[desc.Name] = desc
	category := desc.Category
	p.pluginCatalog[category] = append(p.pluginCatalog[category], desc)
}
