// Package metrics exports per-node coherence counters to prometheus.
package metrics

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Readm/memcoh/hooks"
)

// Name is the plugin name used in the [node] plugins list.
const Name = "metrics"

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoh",
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Node requests by kind and outcome.",
		},
		[]string{"node", "kind", "outcome"},
	)
	attempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memcoh",
			Subsystem: "node",
			Name:      "request_attempts",
			Help:      "Fetch/publish attempts needed per request.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
		[]string{"node", "kind"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoh",
			Subsystem: "directory",
			Name:      "transitions_total",
			Help:      "Committed directory transitions.",
		},
		[]string{"node", "event", "from", "to"},
	)
	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoh",
			Subsystem: "directory",
			Name:      "invalidations_total",
			Help:      "Owners invalidated by a node's writes.",
		},
		[]string{"node"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoh",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Local cache LRU evictions.",
		},
		[]string{"node"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoh",
			Subsystem: "node",
			Name:      "retries_total",
			Help:      "Attempts retried after a version conflict or channel failure.",
		},
		[]string{"node"},
	)
)

// RegisterMetrics registers the collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requests, attempts, transitions, invalidations, evictions, retries)
	})
}

// Register adds the metrics node plugin to reg.
func Register(reg *hooks.Registry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	desc := hooks.PluginDescriptor{
		Name:        Name,
		Category:    hooks.PluginCategoryInstrumentation,
		Description: "prometheus counters for requests, invalidations and evictions",
	}
	return reg.RegisterNode(Name, desc, func(nodeID int, b *hooks.PluginBroker) error {
		if b == nil {
			return fmt.Errorf("plugin broker is nil")
		}
		RegisterMetrics()
		b.RegisterBundle(desc, bundle(strconv.Itoa(nodeID)))
		return nil
	})
}

func bundle(node string) hooks.HookBundle {
	return hooks.HookBundle{
		AfterRequest: []hooks.AfterRequestHook{func(ctx *hooks.RequestContext) error {
			requests.WithLabelValues(node, string(ctx.Kind), Outcome(ctx)).Inc()
			if ctx.Attempts > 0 {
				attempts.WithLabelValues(node, string(ctx.Kind)).Observe(float64(ctx.Attempts))
			}
			return nil
		}},
		Transition: []hooks.TransitionHook{func(ctx *hooks.TransitionContext) error {
			transitions.WithLabelValues(node, ctx.Event, string(ctx.From.State), string(ctx.To.State)).Inc()
			return nil
		}},
		Invalidate: []hooks.InvalidateHook{func(ctx *hooks.InvalidateContext) error {
			invalidations.WithLabelValues(node).Inc()
			return nil
		}},
		Evict: []hooks.EvictHook{func(ctx *hooks.EvictContext) error {
			evictions.WithLabelValues(node).Inc()
			return nil
		}},
		Retry: []hooks.RetryHook{func(ctx *hooks.RetryContext) error {
			retries.WithLabelValues(node).Inc()
			return nil
		}},
	}
}

// Outcome labels a finished request: error, hit or miss for reads, ok for
// writes.
func Outcome(ctx *hooks.RequestContext) string {
	switch {
	case ctx.Err != nil:
		return "error"
	case ctx.Kind == hooks.RequestWrite:
		return "ok"
	case ctx.Hit:
		return "hit"
	default:
		return "miss"
	}
}
