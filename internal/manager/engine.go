package manager

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	croftlog "github.com/croftd/croft/internal/log"
	"github.com/croftd/croft/internal/metrics"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// eventRetryUnit is the per-retry grace window: an event failing with
// an invalid-status error is retried until event_max_retries of these
// units have passed since its scheduled time.
const eventRetryUnit = 10 * time.Second

// staleEventTicks is how many ticks an event may sit IN_PROGRESS before
// the startup sweep considers it abandoned by a previous run.
const staleEventTicks = 3

// handler executes one lifecycle event.
type handler func(ctx context.Context, leaseID, eventID string) error

// Engine polls due events and executes them in safely-concurrent
// batches. A single active engine owns event processing at a time.
type Engine struct {
	repo     store.Repository
	service  *Service
	notifier notify.Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	// Fixed dispatch table, built at construction. Unknown event types
	// are an engine error, not a lookup surprise.
	handlers map[model.EventType]handler
}

// NewEngine wires the event engine around a lease service.
func NewEngine(repo store.Repository, service *Service, notifier notify.Notifier, cfg Config, logger zerolog.Logger) *Engine {
	e := &Engine{
		repo:     repo,
		service:  service,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      service.now,
	}
	e.handlers = map[model.EventType]handler{
		model.EventStartLease:     service.StartLease,
		model.EventEndLease:       service.EndLease,
		model.EventBeforeEndLease: service.BeforeEndLease,
	}
	return e
}

// Run recovers abandoned events, then processes due events every tick
// until ctx is cancelled. In-flight events drain before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RecoverInFlight(ctx); err != nil {
		e.logger.Error().Err(err).Msg("recovering in-flight events failed")
	}

	ticker := time.NewTicker(e.cfg.EventInterval)
	defer ticker.Stop()

	e.logger.Info().
		Str("event", "engine.started").
		Dur("interval", e.cfg.EventInterval).
		Msg("event engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Str("event", "engine.stopped").Msg("event engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.ProcessEvents(ctx)
		}
	}
}

// RecoverInFlight resets events stuck IN_PROGRESS since before this
// engine started; they were abandoned by a previous run and must be
// retried.
func (e *Engine) RecoverInFlight(ctx context.Context) error {
	border := e.now().UTC().Add(-time.Duration(staleEventTicks) * e.cfg.EventInterval)
	stale, err := e.repo.EventsSortedByTime(ctx, store.EventFilters{
		Status: status.EventInProgress,
		Time:   &store.TimeFilter{Op: store.OpLE, Border: border},
	})
	if err != nil {
		return err
	}
	for _, event := range stale {
		undone := status.EventUndone
		if err := e.repo.EventUpdate(ctx, event.ID, store.EventPatch{Status: &undone}); err != nil {
			return err
		}
		e.logger.Warn().
			Str("event", "engine.recovered").
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("abandoned in-progress event reset to UNDONE")
	}
	return nil
}

// ProcessEvents runs one tick: fetch due events, split them into
// safely-concurrent batches and execute the batches in order.
func (e *Engine) ProcessEvents(ctx context.Context) {
	started := e.now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	due, err := e.repo.EventsSortedByTime(ctx, store.EventFilters{
		Status: status.EventUndone,
		Time:   &store.TimeFilter{Op: store.OpLE, Border: e.now().UTC()},
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("fetching due events failed")
		return
	}
	metrics.DueEvents.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}

	for _, batch := range selectForExecution(due) {
		e.processBatch(ctx, batch)
	}
}

// selectForExecution partitions due events (sorted ascending by time)
// into batches that can run concurrently. For the earliest instant T
// the priority is before_end_lease, end_lease, start_lease — except
// that a lease's before_end/end events are deferred behind its own
// start_lease at the same instant. Running end before start lets
// back-to-back reservations reuse the same resources. The remainder
// (time > T) recurses so the guarantees hold at every instant.
func selectForExecution(events []*model.Event) [][]*model.Event {
	if len(events) == 0 {
		return nil
	}

	first := events[0].Time
	byLease := make(map[string][]*model.Event)
	byType := make(map[model.EventType][]*model.Event)
	var later []*model.Event
	for _, event := range events {
		if !event.Time.Equal(first) {
			later = append(later, event)
			continue
		}
		byLease[event.LeaseID] = append(byLease[event.LeaseID], event)
		byType[event.Type] = append(byType[event.Type], event)
	}

	// A start_lease at T pushes its lease's sibling before_end/end
	// events behind it.
	deferredLeases := make(map[string]bool)
	for _, start := range byType[model.EventStartLease] {
		for _, sibling := range byLease[start.LeaseID] {
			if sibling.Type != model.EventStartLease {
				deferredLeases[sibling.LeaseID] = true
			}
		}
	}
	split := func(events []*model.Event) (now, deferred []*model.Event) {
		for _, event := range events {
			if deferredLeases[event.LeaseID] {
				deferred = append(deferred, event)
			} else {
				now = append(now, event)
			}
		}
		return now, deferred
	}
	beforeEnd, deferredBeforeEnd := split(byType[model.EventBeforeEndLease])
	end, deferredEnd := split(byType[model.EventEndLease])

	batches := [][]*model.Event{
		beforeEnd,
		end,
		byType[model.EventStartLease],
		deferredBeforeEnd,
		deferredEnd,
	}

	out := make([][]*model.Event, 0, len(batches)+1)
	for _, batch := range batches {
		if len(batch) > 0 {
			out = append(out, batch)
		}
	}
	return append(out, selectForExecution(later)...)
}

// processBatch claims the batch's events and runs them concurrently,
// waiting for all of them. A failure in one event never cancels the
// others; outcomes are recorded per event.
func (e *Engine) processBatch(ctx context.Context, batch []*model.Event) {
	var claimed []*model.Event
	for _, event := range batch {
		lease, err := e.repo.LeaseGet(ctx, event.LeaseID)
		if err != nil {
			e.logger.Error().Err(err).Str("event_id", event.ID).Msg("loading lease for event failed")
			continue
		}
		if !lease.Status.IsStable() {
			e.logger.Info().
				Str("event", "engine.skip").
				Str("event_id", event.ID).
				Str("lease_id", event.LeaseID).
				Str("lease_status", string(lease.Status)).
				Msg("skipping event, lease status is transitional")
			metrics.EventsSkippedTotal.Inc()
			continue
		}
		ok, err := e.repo.EventStatusCAS(ctx, event.ID, status.EventUndone, status.EventInProgress)
		if err != nil {
			e.logger.Error().Err(err).Str("event_id", event.ID).Msg("claiming event failed")
			continue
		}
		if !ok {
			continue
		}
		claimed = append(claimed, event)
	}

	var g errgroup.Group
	for _, event := range claimed {
		event := event
		g.Go(func() error {
			e.execEvent(ctx, event)
			return nil
		})
	}
	_ = g.Wait()
}

// execEvent dispatches one claimed event and records its outcome. An
// invalid-status failure within the retry window reverts the event to
// UNDONE; outside the window, or for any other failure, the event ends
// in ERROR.
func (e *Engine) execEvent(ctx context.Context, event *model.Event) {
	ctx = croftlog.ContextWithLeaseID(ctx, event.LeaseID)
	ctx = croftlog.ContextWithEventID(ctx, event.ID)
	logger := e.logger.With().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("lease_id", event.LeaseID).
		Logger()

	h, ok := e.handlers[event.Type]
	if !ok {
		logger.Error().Str("event", "engine.unknown_type").Msg("event type is not supported")
		e.setEventStatus(ctx, event.ID, status.EventError)
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), string(status.EventError)).Inc()
		return
	}

	err := h(ctx, event.LeaseID, event.ID)
	switch {
	case err == nil:
		lease, gerr := e.repo.LeaseGet(ctx, event.LeaseID)
		if gerr != nil {
			logger.Error().Err(gerr).Msg("loading lease for notification failed")
		} else {
			e.notifier.Publish(ctx, notify.TopicEvent(event.Type), lease)
		}
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), string(status.EventDone)).Inc()
		logger.Info().Str("event", "engine.done").Msg("event executed")

	case errors.Is(err, status.ErrInvalidStatus):
		retryUntil := event.Time.Add(time.Duration(e.cfg.EventMaxRetries) * eventRetryUnit)
		if e.now().UTC().Before(retryUntil) {
			e.setEventStatus(ctx, event.ID, status.EventUndone)
			metrics.EventRetriesTotal.WithLabelValues(string(event.Type)).Inc()
			logger.Info().Str("event", "engine.retry").Msg("event reverted to UNDONE for retry")
			return
		}
		e.setEventStatus(ctx, event.ID, status.EventError)
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), string(status.EventError)).Inc()
		logger.Error().Err(err).Str("event", "engine.failed").Msg("event failed after retry window")

	default:
		e.setEventStatus(ctx, event.ID, status.EventError)
		metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), string(status.EventError)).Inc()
		logger.Error().Err(err).Str("event", "engine.failed").Msg("event failed")
	}
}

func (e *Engine) setEventStatus(ctx context.Context, eventID string, st status.Event) {
	if err := e.repo.EventUpdate(ctx, eventID, store.EventPatch{Status: &st}); err != nil {
		e.logger.Error().Err(err).Str("event_id", eventID).Msg("updating event status failed")
	}
}
