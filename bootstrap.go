package main

import (
	"errors"
	"fmt"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/config"
	"github.com/Readm/memcoh/controller"
	"github.com/Readm/memcoh/hooks"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
	"github.com/Readm/memcoh/persist"
	"github.com/Readm/memcoh/plugins/audit"
	"github.com/Readm/memcoh/plugins/metrics"
)

// backends are the shared channel and payload store named by a config.
type backends struct {
	ch    channel.Channel
	store payload.Store
}

func (b *backends) Close() error {
	var errs []error
	// A remote payload may share the channel's connection.
	if b.store != nil && any(b.store) != any(b.ch) {
		errs = append(errs, b.store.Close())
	}
	if b.ch != nil {
		errs = append(errs, b.ch.Close())
	}
	return errors.Join(errs...)
}

func openBackends(cfg config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.Channel.Kind {
	case config.KindMemory:
		b.ch = channel.NewMemory()
	case config.KindFile:
		f, err := channel.OpenFile(cfg.Channel.Path, cfg.Channel.Retain)
		if err != nil {
			return nil, err
		}
		b.ch = f
	case config.KindSQLite:
		s, err := channel.OpenSQLite(cfg.Channel.Path, cfg.Channel.Timeout)
		if err != nil {
			return nil, err
		}
		b.ch = s
	case config.KindRemote:
		b.ch = channel.NewRemote(cfg.Channel.URL, cfg.Channel.Timeout)
	default:
		return nil, fmt.Errorf("unknown channel kind %q", cfg.Channel.Kind)
	}

	switch cfg.Payload.Kind {
	case config.KindMemory:
		b.store = payload.NewMemory()
	case config.KindSQLite:
		s, err := payload.OpenSQLite(cfg.Payload.Path, cfg.Channel.Timeout)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = s
	case config.KindRemote:
		if r, ok := b.ch.(*channel.Remote); ok && cfg.Payload.URL == cfg.Channel.URL {
			b.store = r
		} else {
			b.store = channel.NewRemote(cfg.Payload.URL, cfg.Channel.Timeout)
		}
	default:
		b.Close()
		return nil, fmt.Errorf("unknown payload kind %q", cfg.Payload.Kind)
	}
	return b, nil
}

// pluginSetup loads the configured node plugins into a node's broker.
func pluginSetup(names []string) controller.SetupFunc {
	return func(nodeID int, broker *hooks.PluginBroker) error {
		reg := hooks.NewRegistry(broker)
		if err := audit.Register(reg, nil); err != nil {
			return err
		}
		if err := metrics.Register(reg); err != nil {
			return err
		}
		return reg.LoadForNode(nodeID, names)
	}
}

func controllerOptions(cfg config.Config, b *backends) controller.Options {
	return controller.Options{
		NodeID:    cfg.Node.ID,
		Capacity:  cfg.Node.CacheCapacity,
		Protocol:  cfg.Node.Protocol,
		Writeback: cfg.Node.Writeback,
		Channel:   b.ch,
		Payload:   b.store,
		Retry:     cfg.Backoff(),
		Timeout:   cfg.Channel.Timeout,
		Logger:    logging.GetLogger(),
	}
}

// openNode builds the controller for cfg.Node.ID with its plugins and
// persisted cache. Closing it saves the cache and releases the backends.
func openNode(cfg config.Config) (*node, error) {
	b, err := openBackends(cfg)
	if err != nil {
		return nil, err
	}
	store, err := persist.Open(cfg, cfg.Node.ID)
	if err != nil {
		b.Close()
		return nil, err
	}
	opts := controllerOptions(cfg, b)
	opts.Persist = store
	opts.Broker = hooks.NewPluginBroker()
	if err := pluginSetup(cfg.Node.Plugins)(cfg.Node.ID, opts.Broker); err != nil {
		b.Close()
		return nil, err
	}
	c, err := controller.New(opts)
	if err != nil {
		if store != nil {
			store.Close()
		}
		b.Close()
		return nil, err
	}
	return &node{Controller: c, backends: b}, nil
}

type node struct {
	*controller.Controller
	backends *backends
}

func (n *node) Close() error {
	return errors.Join(n.Controller.Close(), n.backends.Close())
}
