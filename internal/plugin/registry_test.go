package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croftd/croft/internal/model"
)

type stubPlugin struct {
	resourceType string
	setupErr     error
	gotOpts      Options
}

func (p *stubPlugin) ResourceType() string { return p.resourceType }
func (p *stubPlugin) Setup(_ context.Context, opts Options) error {
	p.gotOpts = opts
	return p.setupErr
}
func (p *stubPlugin) Get(context.Context, string) (map[string]any, error) { return nil, nil }
func (p *stubPlugin) ReserveResource(context.Context, string, Values) (string, error) {
	return "", nil
}
func (p *stubPlugin) UpdateReservation(context.Context, string, Values) error { return nil }
func (p *stubPlugin) AllocationCandidates(context.Context, Values) ([]string, error) {
	return nil, nil
}
func (p *stubPlugin) UpdateDefaultParameters(*Values)                             {}
func (p *stubPlugin) OnStart(context.Context, string, *model.Lease) error         { return nil }
func (p *stubPlugin) OnEnd(context.Context, string, *model.Lease) error           { return nil }
func (p *stubPlugin) BeforeEnd(context.Context, string, *model.Lease) error       { return nil }
func (p *stubPlugin) ListAllocations(context.Context, AllocationQuery) ([]*model.Allocation, error) {
	return nil, nil
}
func (p *stubPlugin) QueryAllocations(context.Context, []string, string, string) ([]*model.Allocation, error) {
	return nil, nil
}

func stubFactory(resourceType string) Factory {
	return func() Plugin { return &stubPlugin{resourceType: resourceType} }
}

func TestNewRegistryResolvesByResourceType(t *testing.T) {
	opts := map[string]Options{
		"virtual:instance": {BeforeEndAction: "default"},
	}
	r, err := NewRegistry(context.Background(), []string{"dummy.vm.plugin"},
		map[string]Factory{"dummy.vm.plugin": stubFactory("virtual:instance")},
		opts, zerolog.Nop())
	require.NoError(t, err)

	p, err := r.Get("virtual:instance")
	require.NoError(t, err)
	assert.Equal(t, "virtual:instance", p.ResourceType())
	assert.Equal(t, "default", r.Options("virtual:instance").BeforeEndAction)
	assert.Equal(t, []string{"virtual:instance"}, r.ResourceTypes())
}

func TestNewRegistryUnknownNameFails(t *testing.T) {
	_, err := NewRegistry(context.Background(), []string{"no.such.plugin"},
		map[string]Factory{}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrPluginConfiguration)
}

func TestNewRegistryDuplicateResourceTypeFails(t *testing.T) {
	factories := map[string]Factory{
		"plugin.a": stubFactory("compute_host"),
		"plugin.b": stubFactory("compute_host"),
	}
	_, err := NewRegistry(context.Background(), []string{"plugin.a", "plugin.b"},
		factories, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrPluginConfiguration)
}

func TestNewRegistrySetupFailureFails(t *testing.T) {
	broken := func() Plugin {
		return &stubPlugin{resourceType: "compute_host", setupErr: errors.New("bad options")}
	}
	_, err := NewRegistry(context.Background(), []string{"plugin.a"},
		map[string]Factory{"plugin.a": broken}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrPluginConfiguration)
}

func TestRegistryGetUnsupportedType(t *testing.T) {
	r, err := NewRegistry(context.Background(), nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Get("floating:ip")
	var unsupported *UnsupportedResourceTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "floating:ip", unsupported.ResourceType)
}
