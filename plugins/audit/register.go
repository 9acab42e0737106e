// Package audit logs coherence events of a node through the structured
// logger: committed transitions, invalidations, evictions and retries.
package audit

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/logging"
)

// Name is the plugin name used in the [node] plugins list.
const Name = "audit"

// Register adds the audit node plugin to reg. A nil logger means the
// process-wide logger at the time the plugin is loaded.
func Register(reg *hooks.Registry, logger *logging.Logger) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	desc := hooks.PluginDescriptor{
		Name:        Name,
		Category:    hooks.PluginCategoryAudit,
		Description: "logs transitions, invalidations and evictions",
	}
	return reg.RegisterNode(Name, desc, func(nodeID int, b *hooks.PluginBroker) error {
		if b == nil {
			return fmt.Errorf("plugin broker is nil")
		}
		l := logger
		if l == nil {
			l = logging.GetLogger()
		}
		zl := l.Zerolog().With().Int("node", nodeID).Logger()
		b.RegisterBundle(desc, bundle(zl))
		return nil
	})
}

func bundle(zl zerolog.Logger) hooks.HookBundle {
	return hooks.HookBundle{
		Transition: []hooks.TransitionHook{func(ctx *hooks.TransitionContext) error {
			zl.Debug().
				Str("request", ctx.RequestID).
				Str("block", ctx.Block.String()).
				Str("event", ctx.Event).
				Str("from", ctx.From.String()).
				Str("to", ctx.To.String()).
				Int64("version", ctx.Version).
				Msg("transition")
			return nil
		}},
		Invalidate: []hooks.InvalidateHook{func(ctx *hooks.InvalidateContext) error {
			zl.Info().
				Str("request", ctx.RequestID).
				Str("block", ctx.Block.String()).
				Int("requester", ctx.Requester).
				Int("victim", ctx.Victim).
				Int64("version", ctx.Version).
				Msgf("invalidating node %d for %s", ctx.Victim, ctx.Block)
			return nil
		}},
		Evict: []hooks.EvictHook{func(ctx *hooks.EvictContext) error {
			zl.Info().
				Str("block", ctx.Block.String()).
				Int("bytes", len(ctx.Value)).
				Msgf("evicting LRU %s", ctx.Block)
			return nil
		}},
		Retry: []hooks.RetryHook{func(ctx *hooks.RetryContext) error {
			zl.Warn().
				Str("request", ctx.RequestID).
				Str("block", ctx.Block.String()).
				Int("attempt", ctx.Attempt).
				Err(ctx.Err).
				Msg("retrying request")
			return nil
		}},
		AfterRequest: []hooks.AfterRequestHook{func(ctx *hooks.RequestContext) error {
			if ctx.Err != nil {
				zl.Error().
					Str("request", ctx.RequestID).
					Str("kind", string(ctx.Kind)).
					Str("block", ctx.Block.String()).
					Int("attempts", ctx.Attempts).
					Err(ctx.Err).
					Msg("request failed")
			}
			return nil
		}},
	}
}
