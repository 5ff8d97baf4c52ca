package plugin

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Factory constructs a driver. Factories are registered under plugin
// names (e.g. "dummy.vm.plugin") in an explicit map at startup.
type Factory func() Plugin

// Registry resolves drivers by resource type. It is constructed once at
// startup and injected; there is no package-level registry state.
type Registry struct {
	plugins map[string]Plugin
	options map[string]Options
}

// NewRegistry instantiates every configured plugin name from factories
// and runs its Setup with the matching options group. Startup fails if
// a configured name has no factory or two plugins claim the same
// resource type.
func NewRegistry(ctx context.Context, names []string, factories map[string]Factory, options map[string]Options, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		plugins: make(map[string]Plugin, len(names)),
		options: make(map[string]Options, len(names)),
	}

	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: no such plugin %q", ErrPluginConfiguration, name)
		}
		p := factory()
		rt := p.ResourceType()
		if _, dup := r.plugins[rt]; dup {
			return nil, fmt.Errorf("%w: several plugins claim resource type %q, set one plugin per resource type", ErrPluginConfiguration, rt)
		}

		opts := options[rt]
		if err := p.Setup(ctx, opts); err != nil {
			return nil, fmt.Errorf("%w: setup of %q failed: %v", ErrPluginConfiguration, name, err)
		}
		r.plugins[rt] = p
		r.options[rt] = opts

		logger.Info().
			Str("event", "plugin.loaded").
			Str("plugin", name).
			Str("resource_type", rt).
			Msg("plugin registered")
	}
	return r, nil
}

// Get resolves the driver for a resource type.
func (r *Registry) Get(resourceType string) (Plugin, error) {
	p, ok := r.plugins[resourceType]
	if !ok {
		return nil, &UnsupportedResourceTypeError{ResourceType: resourceType}
	}
	return p, nil
}

// Options returns the configuration group of a resource type.
func (r *Registry) Options(resourceType string) Options {
	return r.options[resourceType]
}

// ResourceTypes lists the registered types in stable order.
func (r *Registry) ResourceTypes() []string {
	types := make([]string, 0, len(r.plugins))
	for rt := range r.plugins {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// All returns the registered drivers keyed by resource type.
func (r *Registry) All() map[string]Plugin {
	out := make(map[string]Plugin, len(r.plugins))
	for rt, p := range r.plugins {
		out[rt] = p
	}
	return out
}
