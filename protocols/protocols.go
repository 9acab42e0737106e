// Package protocols holds the closed set of coherence protocol variants.
// Every variant shares the Directory and LocalCache and differs only in its
// transition table.
package protocols

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Readm/memcoh/capabilities"
	"github.com/Readm/memcoh/slicc"
)

// Default is the variant used when none is configured.
const Default = "mesi"

var variants = map[string]*slicc.StateMachineSpec{
	"mesi":  MESISpec,
	"moesi": MOESISpec,
}

// Lookup returns the spec of a variant by case-insensitive name.
func Lookup(name string) (*slicc.StateMachineSpec, error) {
	if name == "" {
		name = Default
	}
	spec, ok := variants[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return spec, nil
}

// Names lists the known variants.
func Names() []string {
	out := make([]string, 0, len(variants))
	for name := range variants {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// NewEngine builds the protocol engine for a named variant.
func NewEngine(name string) (*capabilities.Engine, error) {
	spec, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return capabilities.NewEngine(spec)
}
