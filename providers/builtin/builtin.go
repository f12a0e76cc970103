// Package builtin wires the provider variants shipped with the relay into a
// providers.Registry. The set of variants is closed: a configured provider
// name must match one of them.
package builtin

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/giantswarm/oauth-relay/providers"
	"github.com/giantswarm/oauth-relay/providers/discord"
	"github.com/giantswarm/oauth-relay/providers/github"
	"github.com/giantswarm/oauth-relay/providers/google"
	"github.com/giantswarm/oauth-relay/providers/spotify"
	"github.com/giantswarm/oauth-relay/providers/twitter"
)

// Constructor builds a provider variant from its descriptor.
type Constructor func(desc providers.Descriptor, opts providers.Options) (providers.Provider, error)

var variants = map[string]Constructor{
	"google": func(d providers.Descriptor, o providers.Options) (providers.Provider, error) {
		return google.NewProvider(d, o)
	},
	"github": func(d providers.Descriptor, o providers.Options) (providers.Provider, error) {
		return github.NewProvider(d, o)
	},
	"twitter": func(d providers.Descriptor, o providers.Options) (providers.Provider, error) {
		return twitter.NewProvider(d, o)
	},
	"discord": func(d providers.Descriptor, o providers.Options) (providers.Provider, error) {
		return discord.NewProvider(d, o)
	},
	"spotify": func(d providers.Descriptor, o providers.Options) (providers.Provider, error) {
		return spotify.NewProvider(d, o)
	},
}

// Variants returns the supported provider names in sorted order.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the variant registered under desc.Name.
func New(desc providers.Descriptor, opts providers.Options) (providers.Provider, error) {
	ctor, ok := variants[desc.Name]
	if !ok {
		return nil, &providers.UnknownProviderError{Name: desc.Name}
	}
	return ctor(desc, opts)
}

// NewRegistry builds and freezes a registry from descriptors keyed by
// provider name. Names with no matching variant are skipped with a warning;
// an invalid descriptor for a known variant is an error.
func NewRegistry(descs map[string]providers.Descriptor, opts providers.Options, logger *slog.Logger) (*providers.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := providers.NewRegistry()
	for _, name := range names {
		desc := descs[name]
		desc.Name = name

		if _, ok := variants[name]; !ok {
			logger.Warn("Skipping unsupported provider", "provider", name, "supported", Variants())
			continue
		}

		p, err := New(desc, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %q: %w", name, err)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
		logger.Info("Configured provider", "provider", name)
	}

	registry.Freeze()
	return registry, nil
}
