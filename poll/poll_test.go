package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"halbooking-notifier/notify"
	"halbooking-notifier/pkg/notifier"
	"halbooking-notifier/scraper"
	"halbooking-notifier/storage"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var cph = time.FixedZone("CEST", 2*60*60)

type fakeSource struct {
	raws     []notifier.RawEvent
	fetchErr error
	extErr   error
	fetches  int
}

func (f *fakeSource) Fetch(ctx context.Context) ([]scraper.Page, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []scraper.Page{{URL: "p0"}}, nil
}

func (f *fakeSource) Extract([]scraper.Page) ([]notifier.RawEvent, error) {
	if f.extErr != nil {
		return nil, f.extErr
	}
	return f.raws, nil
}

type fakeDispatcher struct {
	results []notify.Class
	sent    []notify.Message
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg notify.Message) notify.Result {
	f.sent = append(f.sent, msg)
	class := notify.Delivered
	if len(f.results) > 0 {
		class = f.results[0]
		f.results = f.results[1:]
	}
	if class == notify.Delivered {
		return notify.Result{Class: class}
	}
	return notify.Result{Class: class, Err: errors.New(class.String())}
}

type fakeBackend struct {
	mu      sync.Mutex
	saveErr error
	saved   []map[string]notifier.Event
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Load(context.Context) (map[string]notifier.Event, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeBackend) Save(_ context.Context, events map[string]notifier.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, events)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func raw(id, title, date, clock, capacity string) notifier.RawEvent {
	return notifier.RawEvent{Token: id, MainInfo: []string{title, date, clock}, Capacity: capacity}
}

func newMonitor(src Source, b storage.Backend, d Dispatcher, cfg Config) *Monitor {
	cfg.Location = cph
	return New(src, b, d, cfg, testLogger)
}

// Capacity changes are absorbed; only the unknown id is announced.
func TestCycleAnnouncesOnlyNewIDs(t *testing.T) {
	store := storage.NewEvents(notifier.Event{
		ID: "1", Title: "Beginner Lesson", Start: time.Date(2021, time.July, 10, 10, 0, 0, 0, cph), Capacity: 3,
	})
	src := &fakeSource{raws: []notifier.RawEvent{
		raw("1", "Beginner Lesson", "Lør 10. jul 2021", "10:00", "1"),
		raw("2", "Advanced Lesson", "Man 12. jul 2021", "09:00", "5"),
	}}
	d := &fakeDispatcher{}
	b := &fakeBackend{}
	m := newMonitor(src, b, d, Config{})

	store, o := m.Cycle(context.Background(), store)

	if o.New != 1 || o.Fetched != 2 {
		t.Errorf("outcome new = %d fetched = %d, want 1 and 2", o.New, o.Fetched)
	}
	if len(d.sent) != 1 || len(d.sent[0].Events) != 1 || d.sent[0].Events[0].ID != "2" {
		t.Fatalf("dispatched %+v, want one message for id 2", d.sent)
	}
	e1, _ := store.Get("1")
	e2, _ := store.Get("2")
	if e1.Capacity != 1 || e2.Capacity != 5 {
		t.Errorf("capacities = %d, %d, want 1 and 5", e1.Capacity, e2.Capacity)
	}
	if b.saves() != 1 {
		t.Errorf("saves = %d, want 1", b.saves())
	}
	if o.Notify.Status != StageOK || o.Persist.Status != StageOK {
		t.Errorf("outcome = %+v", o)
	}
}

// Events are announced ordered by start.
func TestCycleOrdersAnnouncement(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{
		raw("5", "Late", "Søn 1. aug 2021", "08:00", ""),
		raw("3", "Early", "Fre 30. jul 2021", "08:00", ""),
	}}
	d := &fakeDispatcher{}
	m := newMonitor(src, &fakeBackend{}, d, Config{})

	m.Cycle(context.Background(), storage.NewEvents())

	if len(d.sent) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(d.sent))
	}
	var got []string
	for _, e := range d.sent[0].Events {
		got = append(got, e.ID)
	}
	if want := []string{"3", "5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("announced %v, want %v", got, want)
	}
}

// A fetch failure changes nothing and persists nothing.
func TestCycleFetchFailure(t *testing.T) {
	known := notifier.Event{ID: "1", Title: "A", Start: time.Date(2021, time.July, 10, 10, 0, 0, 0, cph)}
	store := storage.NewEvents(known)
	src := &fakeSource{fetchErr: &scraper.FetchError{URL: "p0", Status: 503}}
	d := &fakeDispatcher{}
	b := &fakeBackend{}
	m := newMonitor(src, b, d, Config{})

	store, o := m.Cycle(context.Background(), store)

	if !o.Failed() || o.Fetch.Status != StageFailed {
		t.Errorf("outcome = %+v, want failed fetch", o)
	}
	if !scraper.IsFetchError(o.Fetch.Err) {
		t.Errorf("fetch error = %v, want FetchError", o.Fetch.Err)
	}
	if b.saves() != 0 || len(d.sent) != 0 {
		t.Errorf("saves = %d, dispatches = %d, want 0 and 0", b.saves(), len(d.sent))
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
}

func TestCycleExtractFailure(t *testing.T) {
	src := &fakeSource{extErr: &scraper.ExtractError{URL: "p0", Reason: "no listing table"}}
	b := &fakeBackend{}
	m := newMonitor(src, b, &fakeDispatcher{}, Config{})

	_, o := m.Cycle(context.Background(), storage.NewEvents())

	if o.Extract.Status != StageFailed || !o.Failed() {
		t.Errorf("outcome = %+v, want failed extraction", o)
	}
	if b.saves() != 0 {
		t.Errorf("saves = %d, want 0", b.saves())
	}
}

// Rejected credentials still merge and persist; later cycles suppress dispatch.
func TestCycleInvalidCredentials(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{raw("1", "A", "Lør 10. jul 2021", "10:00", "")}}
	transport := &stubTransport{class: notify.InvalidCredentials}
	d := notify.New(transport, time.Second, testLogger)
	b := &fakeBackend{}
	m := newMonitor(src, b, d, Config{})

	store, o := m.Cycle(context.Background(), storage.NewEvents())
	if o.Dispatch != notify.InvalidCredentials || o.Notify.Status != StageFailed {
		t.Errorf("first outcome = %+v", o)
	}
	if store.Len() != 1 || b.saves() != 1 {
		t.Fatalf("store len = %d saves = %d, want 1 and 1", store.Len(), b.saves())
	}

	src.raws = append(src.raws, raw("2", "B", "Søn 11. jul 2021", "10:00", ""))
	store, o = m.Cycle(context.Background(), store)
	if o.New != 1 || o.Dispatch != notify.Suppressed {
		t.Errorf("second outcome new = %d dispatch = %v, want 1 and suppressed", o.New, o.Dispatch)
	}
	if store.Len() != 2 || b.saves() != 2 {
		t.Errorf("store len = %d saves = %d, want 2 and 2", store.Len(), b.saves())
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
}

type stubTransport struct {
	class notify.Class
	calls int
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Send(context.Context, notify.Message) notify.Result {
	s.calls++
	return notify.Result{Class: s.class, Err: errors.New(s.class.String())}
}

// cancelingDispatcher cancels the loop context mid-send, as a SIGTERM would.
type cancelingDispatcher struct {
	cancel context.CancelFunc
	sent   int
}

func (c *cancelingDispatcher) Dispatch(ctx context.Context, _ notify.Message) notify.Result {
	c.cancel()
	if err := ctx.Err(); err != nil {
		return notify.Result{Class: notify.TransportError, Err: err}
	}
	c.sent++
	return notify.Result{Class: notify.Delivered}
}

func TestCycleShutdownDoesNotAbortDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{raws: []notifier.RawEvent{raw("1", "A", "Lør 10. jul 2021", "10:00", "")}}
	d := &cancelingDispatcher{cancel: cancel}
	b := &fakeBackend{}
	m := newMonitor(src, b, d, Config{})

	store, o := m.Cycle(ctx, storage.NewEvents())

	if o.Dispatch != notify.Delivered || d.sent != 1 {
		t.Errorf("dispatch = %v sent = %d, want delivered and 1", o.Dispatch, d.sent)
	}
	if store.Len() != 1 || b.saves() != 1 {
		t.Errorf("store len = %d saves = %d, want 1 and 1", store.Len(), b.saves())
	}
}

func TestCyclePersistFailureKeepsMemory(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{raw("1", "A", "Lør 10. jul 2021", "10:00", "")}}
	d := &fakeDispatcher{}
	b := &fakeBackend{saveErr: errors.New("disk full")}
	m := newMonitor(src, b, d, Config{})

	store, o := m.Cycle(context.Background(), storage.NewEvents())
	if o.Persist.Status != StageFailed || o.Failed() {
		t.Errorf("outcome = %+v, want persist failure only", o)
	}
	var pe *storage.PersistenceError
	if !errors.As(o.Persist.Err, &pe) {
		t.Errorf("persist error = %v, want PersistenceError", o.Persist.Err)
	}

	_, o = m.Cycle(context.Background(), store)
	if o.New != 0 || len(d.sent) != 1 {
		t.Errorf("second cycle new = %d dispatches = %d, want 0 and 1", o.New, len(d.sent))
	}
}

func TestCycleDropsMalformedRecords(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{
		raw("1", "A", "Lør 10. jul 2021", "10:00", ""),
		raw("", "B", "Lør 10. jul 2021", "10:00", ""),
		raw("3", "C", "not a date", "10:00", ""),
	}}
	m := newMonitor(src, &fakeBackend{}, &fakeDispatcher{}, Config{})

	store, o := m.Cycle(context.Background(), storage.NewEvents())

	if o.Dropped != 2 || o.Fetched != 1 || store.Len() != 1 {
		t.Errorf("dropped = %d fetched = %d stored = %d, want 2, 1, 1", o.Dropped, o.Fetched, store.Len())
	}
}

func TestCycleEmptyListingIsNotAFailure(t *testing.T) {
	b := &fakeBackend{}
	d := &fakeDispatcher{}
	m := newMonitor(&fakeSource{}, b, d, Config{})

	_, o := m.Cycle(context.Background(), storage.NewEvents())

	if o.Failed() || o.Notify.Status != StageSkipped || len(d.sent) != 0 {
		t.Errorf("outcome = %+v dispatches = %d", o, len(d.sent))
	}
	if b.saves() != 1 {
		t.Errorf("saves = %d, want 1", b.saves())
	}
}

func TestCycleSeedSilently(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{raw("1", "A", "Lør 10. jul 2021", "10:00", "")}}
	d := &fakeDispatcher{}
	m := newMonitor(src, &fakeBackend{}, d, Config{SeedSilently: true})

	store, o := m.Cycle(context.Background(), storage.NewEvents())
	if !o.Seeded || len(d.sent) != 0 || store.Len() != 1 {
		t.Fatalf("first cycle seeded = %v dispatches = %d stored = %d", o.Seeded, len(d.sent), store.Len())
	}

	src.raws = append(src.raws, raw("2", "B", "Søn 11. jul 2021", "10:00", ""))
	_, o = m.Cycle(context.Background(), store)
	if o.Seeded || len(d.sent) != 1 {
		t.Errorf("second cycle seeded = %v dispatches = %d, want false and 1", o.Seeded, len(d.sent))
	}
}

func TestNextSleep(t *testing.T) {
	failedCycle := Outcome{Fetch: stageFailed(errors.New("down"))}
	okCycle := Outcome{Fetch: stageOK(), Extract: stageOK()}

	m := newMonitor(&fakeSource{}, &fakeBackend{}, &fakeDispatcher{}, Config{Interval: time.Minute, MaxBackoff: 5 * time.Minute})
	steps := []struct {
		o    Outcome
		want time.Duration
	}{
		{okCycle, time.Minute},
		{failedCycle, 2 * time.Minute},
		{failedCycle, 4 * time.Minute},
		{failedCycle, 5 * time.Minute},
		{failedCycle, 5 * time.Minute},
		{okCycle, time.Minute},
	}
	for i, s := range steps {
		if got := m.nextSleep(s.o); got != s.want {
			t.Errorf("step %d: nextSleep() = %v, want %v", i, got, s.want)
		}
	}

	fixed := newMonitor(&fakeSource{}, &fakeBackend{}, &fakeDispatcher{}, Config{Interval: time.Minute})
	if got := fixed.nextSleep(failedCycle); got != time.Minute {
		t.Errorf("nextSleep() without backoff = %v, want 1m", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{raws: []notifier.RawEvent{raw("1", "A", "Lør 10. jul 2021", "10:00", "")}}
	b := &fakeBackend{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cycles := make(chan Outcome, 10)
	m := newMonitor(src, b, &fakeDispatcher{}, Config{
		Interval: time.Hour,
		Metrics:  metrics,
		OnCycle:  func(o Outcome) { cycles <- o },
	})

	done := make(chan *storage.Events)
	go func() { done <- m.Run(ctx, storage.NewEvents()) }()

	<-cycles
	if !m.Wake() {
		t.Fatal("Wake() should queue a wake-up")
	}
	<-cycles
	cancel()

	select {
	case store := <-done:
		if store.Len() != 1 {
			t.Errorf("final store len = %d, want 1", store.Len())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if got := testutil.ToFloat64(metrics.cycles.WithLabelValues("ok")); got != 2 {
		t.Errorf("cycles_total{result=ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.newEvents); got != 1 {
		t.Errorf("new_events_total = %v, want 1", got)
	}
	if o, ok := m.LastOutcome(); !ok || o.Failed() {
		t.Errorf("LastOutcome() = %+v, %v", o, ok)
	}
	if known := m.Known(); len(known) != 1 || known[0].ID != "1" {
		t.Errorf("Known() = %+v", known)
	}
}
