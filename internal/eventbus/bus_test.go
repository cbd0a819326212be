package eventbus

import "testing"

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	disp, unsubDisp := b.Subscribe(4, "dispatch.")
	defer unsubDisp()

	b.Publish(Event{Type: MessageCreated, TenantID: "t1"})
	b.Publish(Event{Type: DispatchFailed, TenantID: "t1"})

	if len(all) != 2 {
		t.Fatalf("all subscriber got %d events", len(all))
	}
	if len(disp) != 1 {
		t.Fatalf("dispatch subscriber got %d events", len(disp))
	}
	if e := <-disp; e.Type != DispatchFailed || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
	unsub()
	unsub() // idempotent
	b.Publish(Event{Type: "x"})
}
