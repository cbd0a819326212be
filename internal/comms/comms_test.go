package comms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"commagent/internal/access"
	"commagent/internal/classify"
	"commagent/internal/dispatch"
	"commagent/internal/domain"
	"commagent/internal/fanout"
	"commagent/internal/lease"
	"commagent/internal/route"
	"commagent/internal/schedule"
	"commagent/internal/storage"
	"commagent/internal/tracker"
	"commagent/internal/transport"
	logx "commagent/pkg/logx"
)

type fixture struct {
	store *storage.Store
	sched *schedule.Manager
	svc   *Service

	mu   sync.Mutex
	sent []transport.Envelope
	down map[string]bool // failing addresses
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.New(storage.NewMemory()), down: map[string]bool{}}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(f.store.SaveTenant(ctx, &domain.Tenant{ID: "t1", Name: "Acme", Agents: agents, DefaultHandler: "u1"}))
	must(f.store.SaveUser(ctx, &domain.User{ID: "u1", TenantID: "t1", Name: "Desk", Active: true}))
	must(f.store.SaveUser(ctx, &domain.User{ID: "u2", TenantID: "t1", Name: "Second", Active: true}))
	must(f.store.SaveUser(ctx, &domain.User{ID: "u3", TenantID: "t1", Name: "Gone", Active: false}))
	must(f.store.SaveCounterparty(ctx, &domain.Counterparty{ID: "cp1", TenantID: "t1", Name: "Ana", Email: "ana@example.com", Active: true}))
	must(f.store.SaveCounterparty(ctx, &domain.Counterparty{ID: "cp2", TenantID: "t1", Name: "Bo", Email: "bo@example.com", Active: true}))

	sender := transport.SenderFunc(func(_ context.Context, env transport.Envelope) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, env)
		if f.down[env.To] {
			return errors.New("mailbox unavailable")
		}
		return nil
	})
	tr := tracker.New(f.store, logx.Nop())
	d := dispatch.New(dispatch.Config{}, f.store, tr, sender, logx.Nop())
	fo := fanout.New(fanout.Config{Workers: 2}, d, logx.Nop())
	checker := access.NewTenantChecker(f.store)
	f.sched = schedule.New(schedule.Config{Enabled: true}, schedule.Deps{
		Store: f.store, Access: checker, Fanout: fo, Lease: lease.NewLocal(),
	}, logx.Nop())

	f.svc = New(Deps{
		Store:    f.store,
		Tracker:  tr,
		Router:   route.New(f.store, tr, classify.New(nil), logx.Nop(), route.WithDispatcher(d)),
		Dispatch: d,
		Fanout:   fo,
		Schedule: f.sched,
		Access:   checker,
	}, logx.Nop())
	return f
}

func inbound(content string) *domain.Message {
	return &domain.Message{TenantID: "t1", CounterpartyID: "cp1", Channel: "Email", Subject: "Order", Content: content}
}

func TestSubmitInbound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	ctx := context.Background()

	msg, err := f.svc.SubmitInbound(ctx, inbound("where is my order"))
	if err != nil {
		t.Fatalf("SubmitInbound: %v", err)
	}
	if msg.Status != domain.StatusAssigned || msg.AssignedTo != "u1" || msg.Channel != "email" {
		t.Fatalf("msg = %s/%s/%s", msg.Status, msg.AssignedTo, msg.Channel)
	}
	if len(msg.StatusHistory) != 2 || msg.StatusHistory[0].Status != domain.StatusReceived {
		t.Fatalf("history = %+v", msg.StatusHistory)
	}

	if _, err := f.svc.SubmitInbound(ctx, inbound("  ")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty content err = %v, want validation", err)
	}
	out := inbound("x")
	out.Direction = domain.Outbound
	if _, err := f.svc.SubmitInbound(ctx, out); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("outbound err = %v, want validation", err)
	}
}

func TestSubmitInboundKeepsExistingMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	ctx := context.Background()

	parent, err := f.svc.SubmitInbound(ctx, inbound("where is my order"))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := f.svc.Reply(ctx, "t1", parent.ID, ReplyRequest{Body: "On its way", Actor: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	spoof := inbound("overwrite")
	spoof.ID = reply.ID
	if _, err := f.svc.SubmitInbound(ctx, spoof); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	got, err := f.svc.GetMessage(ctx, "t1", reply.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Direction != domain.Outbound || got.Status != domain.StatusSent || len(got.StatusHistory) != len(reply.StatusHistory) {
		t.Fatalf("reply changed: %s/%s/%d", got.Direction, got.Status, len(got.StatusHistory))
	}
}

func TestSubmitInboundWithoutCapability(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "billing")
	ctx := context.Background()
	if _, err := f.svc.SubmitInbound(ctx, inbound("hello")); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("err = %v, want authorization", err)
	}
	msgs, _ := f.store.ListMessages(ctx, "t1", storage.MessageFilter{})
	if len(msgs) != 0 {
		t.Fatalf("stored %d messages for unauthorized tenant", len(msgs))
	}
}

func TestSubmitInboundRoutingFailureKeepsReceived(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	f.svc.d.Access = access.Static{domain.AgentCommunication}
	ctx := context.Background()

	msg := inbound("hello")
	msg.TenantID = "ghost" // no tenant record: routing cannot load it
	got, err := f.svc.SubmitInbound(ctx, msg)
	if err != nil {
		t.Fatalf("SubmitInbound: %v", err)
	}
	if got.Status != domain.StatusReceived || len(got.StatusHistory) != 1 {
		t.Fatalf("msg = %s with %d entries, want RECEIVED with 1", got.Status, len(got.StatusHistory))
	}
}

func TestMessageLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	ctx := context.Background()

	parent, err := f.svc.SubmitInbound(ctx, inbound("where is my order"))
	if err != nil {
		t.Fatal(err)
	}

	// reassign: note only, status kept
	got, err := f.svc.Reassign(ctx, "t1", parent.ID, "u2", "lead")
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if got.AssignedTo != "u2" || got.Status != domain.StatusAssigned || len(got.StatusHistory) != 3 {
		t.Fatalf("after reassign: %s/%s/%d", got.AssignedTo, got.Status, len(got.StatusHistory))
	}
	if _, err := f.svc.Reassign(ctx, "t1", parent.ID, "u3", "lead"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("inactive assignee err = %v", err)
	}
	if _, err := f.svc.Reassign(ctx, "t1", parent.ID, "nobody", "lead"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown assignee err = %v", err)
	}

	// reply: outbound child sent, parent IN_PROGRESS
	reply, err := f.svc.Reply(ctx, "t1", parent.ID, ReplyRequest{Body: "On its way", Actor: "u2"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.Status != domain.StatusSent || reply.ParentMessageID != parent.ID || reply.Subject != "Re: Order" {
		t.Fatalf("reply = %s/%s/%q", reply.Status, reply.ParentMessageID, reply.Subject)
	}
	p, _ := f.svc.GetMessage(ctx, "t1", parent.ID)
	if p.Status != domain.StatusInProgress {
		t.Fatalf("parent status = %s, want IN_PROGRESS", p.Status)
	}
	thread, err := f.svc.Thread(ctx, "t1", reply.ID)
	if err != nil || len(thread) != 2 || thread[0].ID != parent.ID {
		t.Fatalf("thread = %d msgs, err %v", len(thread), err)
	}

	// resolve
	resolved, err := f.svc.UpdateStatus(ctx, "t1", parent.ID, domain.StatusResolved, "u2", "done")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ResolvedBy != "u2" || resolved.ResolvedAt == nil {
		t.Fatalf("resolver not recorded: %+v", resolved)
	}

	// filters
	out, err := f.svc.ListMessages(ctx, "t1", storage.MessageFilter{Direction: domain.Outbound})
	if err != nil || len(out) != 1 || out[0].ID != reply.ID {
		t.Fatalf("outbound list = %d, err %v", len(out), err)
	}
	if _, err := f.svc.ListMessages(ctx, "t1", storage.MessageFilter{Status: "BOGUS"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad status filter err = %v", err)
	}

	// soft delete
	if err := f.svc.DeleteMessage(ctx, "t1", reply.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetMessage(ctx, "t1", reply.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted message err = %v", err)
	}
	all, _ := f.svc.ListMessages(ctx, "t1", storage.MessageFilter{IncludeDeleted: true})
	if len(all) != 2 {
		t.Fatalf("with deleted = %d, want 2", len(all))
	}
}

func TestReplyTransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	f.down["ana@example.com"] = true
	ctx := context.Background()

	parent, err := f.svc.SubmitInbound(ctx, inbound("hi"))
	if err != nil {
		t.Fatal(err)
	}
	reply, err := f.svc.Reply(ctx, "t1", parent.ID, ReplyRequest{Body: "hello"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
	if reply == nil || reply.Status != domain.StatusFailed {
		t.Fatalf("reply = %+v", reply)
	}
	p, _ := f.svc.GetMessage(ctx, "t1", parent.ID)
	if p.Status != domain.StatusAssigned {
		t.Fatalf("parent moved to %s on failed reply", p.Status)
	}
	if _, err := f.svc.Reply(ctx, "t1", parent.ID, ReplyRequest{Body: "x", Channel: "sms"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("no sms address err = %v", err)
	}
}

func TestTemplateMutationsRebuildTriggers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	ctx := context.Background()
	f.sched.Start(ctx)
	defer f.sched.Stop(ctx)

	tpl, err := f.svc.CreateTemplate(ctx, &domain.Template{
		TenantID:       "t1",
		Name:           "Weekly",
		Type:           domain.TemplateScheduled,
		Channels:       []string{"email"},
		Content:        "Hi {{client.name}}",
		ScheduleConfig: domain.ScheduleConfig{Frequency: "weekly", Days: []string{"mon", "wed"}, Time: "09:00"},
		Active:         true,
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if tpl.ID == "" {
		t.Fatal("no id assigned")
	}
	if got := f.sched.Count(); got != 1 {
		t.Fatalf("triggers after create = %d, want 1", got)
	}

	tpl.Active = false
	if _, err := f.svc.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.Count(); got != 0 {
		t.Fatalf("triggers after deactivate = %d, want 0", got)
	}

	tpl.Active = true
	if _, err := f.svc.UpdateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.Count(); got != 1 {
		t.Fatalf("triggers after reactivate = %d, want 1", got)
	}

	if err := f.svc.DeleteTemplate(ctx, "t1", tpl.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.Count(); got != 0 {
		t.Fatalf("triggers after delete = %d, want 0", got)
	}
	if _, err := f.svc.GetTemplate(ctx, "t1", tpl.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted template err = %v", err)
	}
	if err := f.svc.DeleteTemplate(ctx, "t1", tpl.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}

	if _, err := f.svc.CreateTemplate(ctx, &domain.Template{TenantID: "t1", Name: "x", Type: "bogus", Content: "x"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad type err = %v", err)
	}
}

func TestClassifierCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	ctx := context.Background()

	c, err := f.svc.CreateClassifier(ctx, &domain.Classifier{TenantID: "t1", Category: "billing", Keywords: []string{"invoice"}, Weight: 1, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if c.Category != "BILLING" {
		t.Fatalf("category = %q", c.Category)
	}
	if _, err := f.svc.CreateClassifier(ctx, &domain.Classifier{TenantID: "t1", Category: "x", Weight: 1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("no keywords err = %v", err)
	}

	c.Active = false
	if _, err := f.svc.UpdateClassifier(ctx, c); err != nil {
		t.Fatal(err)
	}
	active, _ := f.svc.ListClassifiers(ctx, "t1", true)
	if len(active) != 0 {
		t.Fatalf("active classifiers = %d", len(active))
	}
	if err := f.svc.DeleteClassifier(ctx, "t1", c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateClassifier(ctx, c); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update deleted err = %v", err)
	}
}

func TestTriggerTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, domain.AgentCommunication)
	f.down["bo@example.com"] = true
	ctx := context.Background()

	tpl, err := f.svc.CreateTemplate(ctx, &domain.Template{
		TenantID: "t1", Name: "Promo", Type: domain.TemplateManual, Channels: []string{"email"},
		Subject: "For {{client.name}}", Content: "Code {{code}}", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.TriggerTemplate(ctx, TriggerRequest{TenantID: "t1", TemplateID: tpl.ID, CounterpartyIDs: []string{"cp1", "ghost"}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown recipient err = %v", err)
	}
	if len(f.sent) != 0 {
		t.Fatalf("sent before recipient validation: %d", len(f.sent))
	}

	st, err := f.svc.TriggerTemplate(ctx, TriggerRequest{
		TenantID: "t1", TemplateID: tpl.ID, CounterpartyIDs: []string{"cp1", "cp2", "cp1"},
		Custom: map[string]any{"code": "SPRING"},
	})
	if err != nil {
		t.Fatalf("TriggerTemplate: %v", err)
	}
	if st.Total != 2 || st.Sent != 1 || st.Failed != 1 {
		t.Fatalf("status = total %d sent %d failed %d", st.Total, st.Sent, st.Failed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ana *transport.Envelope
	for i := range f.sent {
		if f.sent[i].To == "ana@example.com" {
			ana = &f.sent[i]
		}
	}
	if ana == nil || ana.Subject != "For Ana" || ana.Body != "Code SPRING" {
		t.Fatalf("ana envelope = %+v", ana)
	}
}
