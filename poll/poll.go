// Package poll runs the fetch, diff, notify and persist cycle.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"halbooking-notifier/notify"
	"halbooking-notifier/pkg/notifier"
	"halbooking-notifier/scraper"
	"halbooking-notifier/storage"
)

// Source retrieves the listing and turns it into raw records.
type Source interface {
	Fetch(ctx context.Context) ([]scraper.Page, error)
	Extract(pages []scraper.Page) ([]notifier.RawEvent, error)
}

// Dispatcher delivers announcements.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message) notify.Result
}

// Config controls cycle timing.
type Config struct {
	Location *time.Location
	// OnCycle is called after every cycle, from the loop goroutine.
	OnCycle        func(Outcome)
	Metrics        *Metrics
	Interval       time.Duration
	MaxBackoff     time.Duration // backoff after failed fetches is disabled unless > Interval
	FetchTimeout   time.Duration
	PersistTimeout time.Duration
	// SeedSilently skips dispatch for the first successful cycle when the store is empty.
	SeedSilently bool
}

// Monitor handles the polling logic. The event store is owned by whichever goroutine
// calls Run or Cycle; everything else only reads published copies.
type Monitor struct {
	source     Source
	backend    storage.Backend
	dispatcher Dispatcher
	logger     *slog.Logger
	wake       chan struct{}
	last       atomic.Pointer[Outcome]
	known      atomic.Pointer[[]notifier.Event]
	cfg        Config
	failures   int
	started    bool
}

// New creates a new poll monitor.
func New(source Source, backend storage.Backend, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	return &Monitor{
		source:     source,
		backend:    backend,
		dispatcher: dispatcher,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		cfg:        cfg,
	}
}

// Run cycles until ctx is cancelled and returns the final store.
func (m *Monitor) Run(ctx context.Context, events *storage.Events) *storage.Events {
	m.publishKnown(events)
	m.logger.Info("Polling loop started",
		"interval", m.cfg.Interval.String(),
		"known_events", events.Len())

	for ctx.Err() == nil {
		var o Outcome
		events, o = m.Cycle(ctx, events)

		if ctx.Err() != nil {
			break
		}

		d := m.nextSleep(o)
		m.logger.Debug("Sleeping until next cycle", "duration", d.String(), "consecutive_failures", m.failures)
		if !m.sleep(ctx, d) {
			break
		}
	}

	m.logger.Info("Polling loop shutting down", "known_events", events.Len())
	return events
}

// Cycle runs one fetch, extract, diff, notify, persist pass and returns the updated store.
// A failed fetch or extraction leaves the store untouched and skips persisting.
func (m *Monitor) Cycle(ctx context.Context, events *storage.Events) (*storage.Events, Outcome) {
	o := Outcome{
		CycleID: uuid.NewString(),
		Started: time.Now(),
	}
	logger := m.logger.With("cycle_id", o.CycleID)
	silent := m.cfg.SeedSilently && !m.started && events.Len() == 0

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	pages, err := m.source.Fetch(fetchCtx)
	cancel()
	if err != nil {
		o.Fetch = stageFailed(err)
		logger.Warn("Fetch failed, store left unchanged", "error", err)
		m.finish(&o, events)
		return events, o
	}
	o.Fetch = stageOK()

	raws, err := m.source.Extract(pages)
	if err != nil {
		o.Extract = stageFailed(err)
		logger.Warn("Extraction failed, store left unchanged", "pages", len(pages), "error", err)
		m.finish(&o, events)
		return events, o
	}

	fetched, errs := notifier.NormalizeAll(raws, m.cfg.Location)
	for _, recErr := range errs {
		logger.Warn("Dropping malformed record", "error", recErr)
	}
	o.Extract = stageOK()
	o.Fetched = len(fetched)
	o.Dropped = len(errs)
	m.started = true

	added := notifier.Diff(events.IDs(), fetched)
	for _, e := range events.Modified(fetched) {
		logger.Debug("Known event changed upstream, keeping stored copy",
			"id", e.ID,
			"title", e.Title,
			"start", e.Start.Format(time.RFC3339))
	}
	o.New = len(added)

	if len(added) > 0 {
		if silent {
			o.Seeded = true
			logger.Info("Seeding empty store without notifying", "new_count", len(added))
		} else {
			// The events are merged below whatever happens, so shutdown must not abort the send.
			// The dispatcher bounds it with its own timeout.
			res := m.dispatcher.Dispatch(context.WithoutCancel(ctx), notify.Compose(added))
			o.Dispatch = res.Class
			if res.OK() {
				o.Notify = stageOK()
			} else {
				dispatchErr := res.Err
				if dispatchErr == nil {
					dispatchErr = fmt.Errorf("dispatch %s", res.Class)
				}
				o.Notify = stageFailed(dispatchErr)
			}
		}
	}

	// Merge regardless of the dispatch result so a failed send isn't repeated every cycle.
	events.Merge(fetched)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PersistTimeout)
	err = storage.Persist(persistCtx, m.backend, events)
	cancel()
	if err != nil {
		o.Persist = stageFailed(err)
		logger.Error("Failed to persist event store, keeping in-memory copy", "error", err)
	} else {
		o.Persist = stageOK()
	}
	m.publishKnown(events)

	m.finish(&o, events)
	return events, o
}

func (m *Monitor) finish(o *Outcome, events *storage.Events) {
	o.Finished = time.Now()
	o.Duration = o.Finished.Sub(o.Started)

	m.logger.Info("Cycle completed",
		"cycle_id", o.CycleID,
		"failed", o.Failed(),
		"fetched", o.Fetched,
		"dropped", o.Dropped,
		"new", o.New,
		"notify", o.Notify.Status.String(),
		"persist", o.Persist.Status.String(),
		"known_events", events.Len(),
		"duration_ms", o.Duration.Milliseconds())

	m.cfg.Metrics.observe(o, events.Len())
	published := *o
	m.last.Store(&published)
	if m.cfg.OnCycle != nil {
		m.cfg.OnCycle(published)
	}
}

// nextSleep returns Interval, doubled per consecutive failed cycle up to MaxBackoff.
func (m *Monitor) nextSleep(o Outcome) time.Duration {
	if o.Failed() {
		m.failures++
	} else {
		m.failures = 0
	}

	d := m.cfg.Interval
	if m.cfg.MaxBackoff <= d {
		return d
	}
	for i := 0; i < m.failures && d < m.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, m.cfg.MaxBackoff)
}

// sleep waits for d, a wake-up or cancellation. It returns false when ctx ended.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.wake:
		m.logger.Info("Woken up before the next scheduled cycle")
		return true
	}
}

// Wake asks the loop to start the next cycle now. It returns false if a wake-up is already pending.
func (m *Monitor) Wake() bool {
	select {
	case m.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastOutcome returns the most recent cycle outcome.
func (m *Monitor) LastOutcome() (Outcome, bool) {
	o := m.last.Load()
	if o == nil {
		return Outcome{}, false
	}
	return *o, true
}

// Known returns the events known after the most recent persist, ordered by start.
func (m *Monitor) Known() []notifier.Event {
	p := m.known.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (m *Monitor) publishKnown(events *storage.Events) {
	list := events.List()
	m.known.Store(&list)
}
