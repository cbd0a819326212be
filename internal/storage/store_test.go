package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"commagent/internal/domain"
	logx "commagent/pkg/logx"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sq, err := OpenBackend(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestBackendPutKeepsSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"c", "a", "b"} {
				if err := b.Put(ctx, Document{Kind: KindClassifier, TenantID: "t1", ID: id, Data: []byte(`{}`)}); err != nil {
					t.Fatalf("put %s: %v", id, err)
				}
			}
			// Replacing "c" must not move it to the end.
			if err := b.Put(ctx, Document{Kind: KindClassifier, TenantID: "t1", ID: "c", Data: []byte(`{"x":1}`)}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			if err := b.Put(ctx, Document{Kind: KindClassifier, TenantID: "t2", ID: "z", Data: []byte(`{}`)}); err != nil {
				t.Fatal(err)
			}

			docs, err := b.List(ctx, KindClassifier, "t1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
				t.Fatalf("order = %v, want [c a b]", ids)
			}
			if string(docs[0].Data) != `{"x":1}` {
				t.Fatalf("replace lost data: %s", docs[0].Data)
			}

			all, err := b.List(ctx, KindClassifier, "")
			if err != nil || len(all) != 4 {
				t.Fatalf("list all = %d, %v", len(all), err)
			}

			if _, err := b.Get(ctx, KindClassifier, "t2", "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cross-tenant get err = %v", err)
			}
			if err := b.Delete(ctx, KindClassifier, "t1", "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := b.Delete(ctx, KindClassifier, "t1", "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete err = %v", err)
			}
		})
	}
}

func TestBackendDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			if err := b.PutDedup(ctx, "k", until); err != nil {
				t.Fatal(err)
			}
			got, ok, err := b.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v,%v,%v", got, ok, err)
			}
			if _, ok, _ := b.GetDedup(ctx, "missing"); ok {
				t.Fatal("missing key reported present")
			}
		})
	}
}

func TestStoreMessagesFilterAndThread(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(NewMemory())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	root := &domain.Message{TenantID: "t1", Channel: "email", Direction: domain.Inbound, Content: "a",
		Status: domain.StatusAssigned, AssignedTo: "u1", CreatedAt: base}
	if err := s.SaveMessage(ctx, root); err != nil {
		t.Fatal(err)
	}
	reply := &domain.Message{TenantID: "t1", Channel: "email", Direction: domain.Outbound, Content: "b",
		Status: domain.StatusSent, ParentMessageID: root.ID, CreatedAt: base.Add(time.Hour)}
	if err := s.SaveMessage(ctx, reply); err != nil {
		t.Fatal(err)
	}
	other := &domain.Message{TenantID: "t1", Channel: "sms", Direction: domain.Inbound, Content: "c",
		Status: domain.StatusReceived, CreatedAt: base.Add(2 * time.Hour)}
	if err := s.SaveMessage(ctx, other); err != nil {
		t.Fatal(err)
	}
	gone := &domain.Message{TenantID: "t1", Channel: "email", Direction: domain.Inbound, Content: "d",
		Status: domain.StatusReceived, ParentMessageID: root.ID, Deleted: true, CreatedAt: base.Add(3 * time.Hour)}
	if err := s.SaveMessage(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, &domain.Message{TenantID: "t2", Channel: "email", Direction: domain.Inbound, Content: "x", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListMessages(ctx, "t1", MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != other.ID {
		t.Fatalf("list = %d msgs, first %q; want 3 newest-first", len(all), all[0].ID)
	}

	tests := []struct {
		name string
		f    MessageFilter
		want int
	}{
		{"status", MessageFilter{Status: domain.StatusAssigned}, 1},
		{"direction", MessageFilter{Direction: domain.Outbound}, 1},
		{"assignee", MessageFilter{AssignedTo: "u1"}, 1},
		{"channel", MessageFilter{Channel: "EMAIL"}, 2},
		{"range", MessageFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, 1},
		{"deleted", MessageFilter{IncludeDeleted: true}, 4},
		{"limit", MessageFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		got, err := s.ListMessages(ctx, "t1", tt.f)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Fatalf("%s: got %d, want %d", tt.name, len(got), tt.want)
		}
	}

	thread, err := s.Thread(ctx, "t1", reply.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 2 || thread[0].ID != root.ID || thread[1].ID != reply.ID {
		t.Fatalf("thread = %+v", thread)
	}
	if _, err := s.Thread(ctx, "t2", reply.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-tenant thread err = %v", err)
	}
}

func TestStoreFindRecentFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(NewMemory())
	now := time.Now().UTC()

	failed := &domain.Message{TenantID: "t1", Channel: "email", Direction: domain.Outbound, Content: "x",
		Recipient: "a@x", TemplateID: "tpl", Status: domain.StatusFailed,
		StatusHistory: []domain.StatusEntry{
			{Status: domain.StatusPending, Timestamp: now.Add(-2 * time.Minute)},
			{Status: domain.StatusFailed, Timestamp: now.Add(-time.Minute)},
		}}
	if err := s.SaveMessage(ctx, failed); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindRecentFailed(ctx, "t1", "a@x", "tpl", now.Add(-5*time.Minute))
	if err != nil || got == nil || got.ID != failed.ID {
		t.Fatalf("FindRecentFailed = %+v, %v", got, err)
	}
	if got, _ := s.FindRecentFailed(ctx, "t1", "a@x", "tpl", now.Add(-30*time.Second)); got != nil {
		t.Fatal("failure outside window should not match")
	}
	if got, _ := s.FindRecentFailed(ctx, "t1", "b@x", "tpl", now.Add(-5*time.Minute)); got != nil {
		t.Fatal("other recipient should not match")
	}
}

func TestStoreClassifierOrderAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(NewMemory())
	mk := func(cat string, pos int, active bool) *domain.Classifier {
		c := &domain.Classifier{TenantID: "t1", Category: cat, Keywords: []string{"x"}, Weight: 1, Active: active, Position: pos}
		if err := s.SaveClassifier(ctx, c); err != nil {
			t.Fatal(err)
		}
		return c
	}
	mk("A", 0, true)
	b := mk("B", 0, true)
	mk("C", -1, true)
	mk("D", 0, false)

	got, err := s.ListClassifiers(ctx, "t1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Category != "C" || got[1].Category != "A" || got[2].Category != "B" {
		t.Fatalf("order = %+v", got)
	}

	if err := s.DeleteClassifier(ctx, "t1", b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetClassifier(ctx, "t1", b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	tpl := &domain.Template{TenantID: "t1", Name: "weekly", Type: domain.TemplateScheduled, Content: "hi",
		Active: true, ScheduleConfig: domain.ScheduleConfig{Frequency: "weekly", Days: []string{"Mon"}, Time: "09:00"}}
	if err := st.SaveTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetTemplate(ctx, "t1", tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ScheduleConfig.Days[0] != "Mon" || !got.Scheduled() {
		t.Fatalf("template = %+v", got)
	}

	tpl.Deleted = true
	if err := st.SaveTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	live, err := st.ListTemplates(ctx, "t1", TemplateFilter{})
	if err != nil || len(live) != 0 {
		t.Fatalf("deleted template listed: %d, %v", len(live), err)
	}
	withDeleted, _ := st.ListTemplates(ctx, "t1", TemplateFilter{IncludeDeleted: true})
	if len(withDeleted) != 1 {
		t.Fatalf("include deleted = %d", len(withDeleted))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Logger{}); err == nil {
		t.Fatal("expected error")
	}
}
