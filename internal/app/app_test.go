package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"commagent/internal/config"
	"commagent/internal/domain"
	"commagent/internal/storage"
	"commagent/internal/transport"
)

func quietDefault() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	return cfg
}

func seed(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	st := a.Store()
	if err := st.SaveTenant(ctx, &domain.Tenant{ID: "t1", Name: "Acme", Agents: []string{domain.AgentCommunication}, DefaultHandler: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveUser(ctx, &domain.User{ID: "u1", TenantID: "t1", Name: "Desk", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveCounterparty(ctx, &domain.Counterparty{ID: "cp1", TenantID: "t1", Name: "Ana", ChatID: "42", Active: true}); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := Build(ctx, quietDefault())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seed(t, a)
	if _, err := a.Comms().CreateTemplate(ctx, &domain.Template{
		TenantID: "t1", Name: "Daily", Type: domain.TemplateScheduled, Channels: []string{"chat"}, Content: "hi",
		ScheduleConfig: domain.ScheduleConfig{Frequency: "daily", Time: "07:00"}, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := a.Schedule().Count(); got != 1 {
		t.Fatalf("triggers after start = %d, want 1", got)
	}
	msg, err := a.Comms().SubmitInbound(ctx, &domain.Message{TenantID: "t1", Channel: "chat", Content: "hello", CounterpartyID: "cp1"})
	if err != nil {
		t.Fatalf("SubmitInbound: %v", err)
	}
	if msg.Status != domain.StatusAssigned {
		t.Fatalf("status = %s", msg.Status)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestHandleInboundMatchesCounterparty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := Build(ctx, quietDefault())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	seed(t, a)
	a.tgOwner = "t1"
	st := a.Store()

	a.handleInbound(ctx, transport.Inbound{Channel: "chat", ChatID: 42, From: "Ana", Text: "where is my parcel"})
	a.handleInbound(ctx, transport.Inbound{Channel: "chat", ChatID: 99, Username: "stranger", Text: "hi"})

	msgs, err := st.ListMessages(ctx, "t1", storage.MessageFilter{Direction: domain.Inbound})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("inbound messages = %d, want 2", len(msgs))
	}
	byChat := map[string]domain.Message{}
	for _, m := range msgs {
		byChat[m.MetaString("chatId")] = m
	}
	if m := byChat["42"]; m.CounterpartyID != "cp1" || m.Status != domain.StatusAssigned {
		t.Fatalf("known sender message = %s/%s", m.CounterpartyID, m.Status)
	}
	if m := byChat["99"]; m.CounterpartyID != "" || m.MetaString("username") != "stranger" {
		t.Fatalf("unknown sender message = %+v", m)
	}
}

func TestApplyConfigTogglesNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := quietDefault()
	a, err := Build(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopAppStop)

	next := quietDefault()
	n := config.DefaultNotifier()
	n.Enabled = false
	next.Notifier = &n
	next.Dispatch.DedupWindow = "10m"
	a.applyConfig(ctx, cfg, next)
	if a.notif.Enabled() {
		t.Fatal("notifier still enabled after reload")
	}
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	rc, err := mapConfig(quietDefault())
	if err != nil {
		t.Fatalf("mapConfig: %v", err)
	}
	if rc.dispatch.DedupWindow != 5*time.Minute || rc.lease.Prefix != "commagent:" || !rc.engine.Enabled {
		t.Fatalf("mapped = %+v / %+v / %+v", rc.dispatch, rc.lease, rc.engine)
	}
	if rc.notifier.PersistDedup {
		t.Fatal("memory store should not persist notifier dedup")
	}

	bad := []func(*config.Config){
		func(c *config.Config) { c.Storage = config.StorageConfig{Driver: "sqlite"} },
		func(c *config.Config) { c.Scheduler.Timezone = "Nowhere/City" },
		func(c *config.Config) { c.Dispatch.DedupWindow = "soon" },
		func(c *config.Config) { c.Lease.TTL = "-1s" },
	}
	for i, mut := range bad {
		c := quietDefault()
		mut(c)
		if _, err := mapConfig(c); err == nil {
			t.Fatalf("case %d: expected error", i)
		} else if strings.TrimSpace(err.Error()) == "" {
			t.Fatalf("case %d: empty error", i)
		}
	}
}
