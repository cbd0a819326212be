package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/metrics"
	"commagent/internal/storage"
	"commagent/internal/tracker"
	"commagent/internal/transport"
	logx "commagent/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store *storage.Store
	clk   *clock
	tr    *tracker.Tracker
	bus   eventbus.Bus
}

func newFixture() *fixture {
	clk := &clock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	store := storage.New(storage.NewMemory())
	bus := eventbus.New()
	return &fixture{
		store: store,
		clk:   clk,
		bus:   bus,
		tr:    tracker.New(store, logx.Nop(), tracker.WithClock(clk.Now), tracker.WithBus(bus)),
	}
}

func (f *fixture) dispatcher(sender transport.Sender) *Dispatcher {
	return New(Config{}, f.store, f.tr, sender, logx.Nop(), WithBus(f.bus), WithMetrics(metrics.New()))
}

var errDown = errors.New("smtp: connection refused")

func failing() transport.Sender {
	return transport.SenderFunc(func(context.Context, transport.Envelope) error { return errDown })
}

func req() Request {
	return Request{
		TenantID:   "t1",
		TemplateID: "tpl-weekly",
		Recipient:  "ana@example.com",
		Channel:    "email",
		Subject:    "Weekly update",
		Body:       "Hello Ana",
	}
}

func failedRecords(t *testing.T, s *storage.Store) []domain.Message {
	t.Helper()
	out, err := s.ListMessages(context.Background(), "t1", storage.MessageFilter{Status: domain.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture()
	var got transport.Envelope
	d := f.dispatcher(transport.SenderFunc(func(_ context.Context, env transport.Envelope) error {
		got = env
		return nil
	}))

	msg, err := d.Dispatch(context.Background(), req())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if msg.Status != domain.StatusSent || msg.Direction != domain.Outbound {
		t.Fatalf("status=%s direction=%s", msg.Status, msg.Direction)
	}
	if len(msg.StatusHistory) != 2 || msg.StatusHistory[0].Status != domain.StatusPending {
		t.Fatalf("history = %+v", msg.StatusHistory)
	}
	if got.To != "ana@example.com" || got.MessageID != msg.ID || got.Body != "Hello Ana" {
		t.Fatalf("envelope = %+v", got)
	}
	stored, err := f.store.GetMessage(context.Background(), "t1", msg.ID)
	if err != nil || stored.Status != domain.StatusSent {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestDispatchFailureRecordsError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.dispatcher(failing())

	msg, err := d.Dispatch(context.Background(), req())
	if !errors.Is(err, domain.ErrTransport) || !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
	if msg.Status != domain.StatusFailed {
		t.Fatalf("status = %s", msg.Status)
	}
	if msg.MetaString(domain.MetaError) != errDown.Error() {
		t.Fatalf("metadata error = %q", msg.MetaString(domain.MetaError))
	}
}

func TestTwoFailuresInsideWindowLeaveOneFailedRecord(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.dispatcher(failing())
	ctx := context.Background()

	first, _ := d.Dispatch(ctx, req())
	f.clk.Advance(2 * time.Minute)
	second, err := d.Dispatch(ctx, req())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second dispatch returned %s, want existing %s", second.ID, first.ID)
	}

	failed := failedRecords(t, f.store)
	if len(failed) != 1 {
		t.Fatalf("FAILED records = %d, want 1", len(failed))
	}
	if n := failed[0].MetaInt(domain.MetaFailureCount); n != 2 {
		t.Fatalf("failureCount = %d, want 2", n)
	}

	all, _ := f.store.ListMessages(ctx, "t1", storage.MessageFilter{IncludeDeleted: true})
	if len(all) != 2 {
		t.Fatalf("records incl. deleted = %d", len(all))
	}
	for _, m := range all {
		if m.ID == first.ID {
			continue
		}
		if !m.Deleted {
			t.Fatal("folded record should be soft-deleted")
		}
		for _, h := range m.StatusHistory {
			if h.Status == domain.StatusFailed {
				t.Fatal("folded record must never reach FAILED")
			}
		}
	}
}

func TestFailureAfterWindowCreatesNewRecord(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.dispatcher(failing())
	ctx := context.Background()

	_, _ = d.Dispatch(ctx, req())
	f.clk.Advance(DefaultDedupWindow + time.Second)
	_, _ = d.Dispatch(ctx, req())

	if n := len(failedRecords(t, f.store)); n != 2 {
		t.Fatalf("FAILED records = %d, want 2", n)
	}
}

func TestDedupKeyedByRecipientAndTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.dispatcher(failing())
	ctx := context.Background()

	other := req()
	other.Recipient = "bo@example.com"
	noTpl := req()
	noTpl.TemplateID = ""

	for _, r := range []Request{req(), other, noTpl, noTpl} {
		_, _ = d.Dispatch(ctx, r)
	}
	if n := len(failedRecords(t, f.store)); n != 4 {
		t.Fatalf("FAILED records = %d, want 4", n)
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	_, _ = f.dispatcher(failing()).Dispatch(ctx, req())
	f.clk.Advance(time.Minute)
	// Fresh dispatcher: no in-memory marks.
	_, _ = f.dispatcher(failing()).Dispatch(ctx, req())

	failed := failedRecords(t, f.store)
	if len(failed) != 1 || failed[0].MetaInt(domain.MetaFailureCount) != 2 {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()
	f := newFixture()
	d := f.dispatcher(failing())
	tests := []struct {
		name string
		mut  func(*Request)
	}{
		{"tenant", func(r *Request) { r.TenantID = "" }},
		{"recipient", func(r *Request) { r.Recipient = " " }},
		{"channel", func(r *Request) { r.Channel = "" }},
		{"body", func(r *Request) { r.Body = "" }},
	}
	for _, tt := range tests {
		r := req()
		tt.mut(&r)
		if _, err := d.Dispatch(context.Background(), r); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
	}
}

func TestSuppressedEventPublished(t *testing.T) {
	t.Parallel()
	f := newFixture()
	events, unsub := f.bus.Subscribe(8, "dispatch.")
	defer unsub()
	d := f.dispatcher(failing())

	_, _ = d.Dispatch(context.Background(), req())
	_, _ = d.Dispatch(context.Background(), req())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) != 2 || types[0] != eventbus.DispatchFailed || types[1] != eventbus.DispatchDeduped {
		t.Fatalf("events = %v", types)
	}
}
