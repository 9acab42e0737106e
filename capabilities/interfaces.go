package capabilities

import "github.com/Readm/memcoh/hooks"

// NodeCapability represents a self-contained behaviour that can attach hooks to the broker.
type NodeCapability interface {
	Descriptor() hooks.PluginDescriptor
	Register(broker *hooks.PluginBroker) error
}

func registerMetadata(broker *hooks.PluginBroker, desc hooks.PluginDescriptor) error {
	if broker == nil {
		return nil
	}
	broker.RegisterPluginMetadata(desc)
	return nil
}
