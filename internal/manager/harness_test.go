package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/plugin/dummy"
	"github.com/croftd/croft/internal/store/sqlite"
)

// testClock is a settable clock shared by service and engine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures published topics in order.
type recordingNotifier struct {
	mu     sync.Mutex
	topics []string
}

func (n *recordingNotifier) Publish(_ context.Context, topic string, _ *model.Lease) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
}

func (n *recordingNotifier) Topics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.topics))
	copy(out, n.topics)
	return out
}

func (n *recordingNotifier) Has(topic string) bool {
	for _, t := range n.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type harness struct {
	repo     *sqlite.Store
	service  *Service
	engine   *Engine
	notifier *recordingNotifier
	clock    *testClock
}

func defaultHarnessConfig() Config {
	return Config{
		MinutesBeforeEndLease: 60,
		EventMaxRetries:       3,
		EventInterval:         10 * time.Second,
	}
}

// newHarness wires a service and engine over an in-memory store with
// the dummy driver and an optional extra factory.
func newHarness(t *testing.T, cfg Config, filters []enforcement.Filter, extraFactories map[string]plugin.Factory) *harness {
	t.Helper()

	repo, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	factories := map[string]plugin.Factory{
		dummy.Name: dummy.Factory(zerolog.Nop()),
	}
	names := []string{dummy.Name}
	for name, factory := range extraFactories {
		factories[name] = factory
		names = append(names, name)
	}
	registry, err := plugin.NewRegistry(context.Background(), names, factories, nil, zerolog.Nop())
	require.NoError(t, err)

	clock := newTestClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	trusts := StaticTrusts{
		"trust-1": {ProjectID: "proj-1", UserID: "user-1"},
	}
	service := NewService(repo, registry, enforcement.New(filters, zerolog.Nop()),
		notifier, trusts, cfg, zerolog.Nop(), WithClock(clock.Now))
	engine := NewEngine(repo, service, notifier, cfg, zerolog.Nop())

	return &harness{
		repo:     repo,
		service:  service,
		engine:   engine,
		notifier: notifier,
		clock:    clock,
	}
}

// leaseRequest returns a valid create request over the given window
// offsets relative to the harness clock.
func (h *harness) leaseRequest(name string, startIn, endIn time.Duration) model.LeaseRequest {
	now := h.clock.Now()
	return model.LeaseRequest{
		Name:      name,
		StartDate: model.FormatLeaseDate(now.Add(startIn)),
		EndDate:   model.FormatLeaseDate(now.Add(endIn)),
		TrustID:   "trust-1",
		UserID:    "user-1",
		Reservations: []model.ReservationRequest{
			{ResourceType: dummy.ResourceType},
		},
	}
}
