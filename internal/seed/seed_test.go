package seed

import (
	"context"
	"errors"
	"testing"
	"time"

	"commagent/internal/domain"
	"commagent/internal/storage"
)

const fixtureYAML = `
tenants:
  - id: acme
    name: Acme
    agents: [client-communication]
    defaultHandler: u1
    timezone: Europe/Berlin
users:
  - id: u1
    tenantId: acme
    name: Desk
    email: desk@acme.test
    active: true
counterparties:
  - id: cp1
    tenantId: acme
    name: Ana
    email: ana@example.com
    tags: [vip]
    active: true
classifiers:
  - id: billing
    tenantId: acme
    category: BILLING
    keywords: [bill, invoice]
    weight: 1
    defaultAssignee: u1
    active: true
templates:
  - id: weekly
    tenantId: acme
    name: Weekly digest
    type: scheduled
    channels: [email]
    content: "Hi {{client.name}}"
    scheduleConfig:
      frequency: weekly
      days: [mon, wed]
      time: "09:00"
    active: true
`

type countingRebuilder struct{ calls map[string]int }

func (r *countingRebuilder) RebuildTenant(_ context.Context, id string) (int, error) {
	r.calls[id]++
	return 1, nil
}

func TestDecodeAndApply(t *testing.T) {
	t.Parallel()
	f, err := Decode("fixtures.yaml", []byte(fixtureYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(f.Templates) != 1 || f.Templates[0].ScheduleConfig.Time != "09:00" || len(f.Templates[0].ScheduleConfig.Days) != 2 {
		t.Fatalf("template = %+v", f.Templates)
	}

	ctx := context.Background()
	st := storage.New(storage.NewMemory())
	rb := &countingRebuilder{calls: map[string]int{}}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sum, err := Apply(ctx, st, f, rb, now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := Summary{Tenants: 1, Users: 1, Counterparties: 1, Classifiers: 1, Templates: 1, Triggers: 1}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
	if rb.calls["acme"] != 1 {
		t.Fatalf("rebuild calls = %v", rb.calls)
	}
	tn, err := st.GetTenant(ctx, "acme")
	if err != nil || !tn.HasAgent(domain.AgentCommunication) || tn.Timezone != "Europe/Berlin" {
		t.Fatalf("tenant = %+v, err %v", tn, err)
	}
	tpl, err := st.GetTemplate(ctx, "acme", "weekly")
	if err != nil || !tpl.Scheduled() || !tpl.CreatedAt.Equal(now) {
		t.Fatalf("template = %+v, err %v", tpl, err)
	}

	// idempotent
	if _, err := Apply(ctx, st, f, nil, now); err != nil {
		t.Fatal(err)
	}
	cls, _ := st.ListClassifiers(ctx, "acme", false)
	if len(cls) != 1 {
		t.Fatalf("classifiers after re-apply = %d", len(cls))
	}
}

func TestApplyRejectsInvalidBeforeWriting(t *testing.T) {
	t.Parallel()
	f := &Fixtures{
		Tenants:     []domain.Tenant{{ID: "acme"}},
		Classifiers: []domain.Classifier{{TenantID: "acme", Category: "X", Weight: 1}},
	}
	st := storage.New(storage.NewMemory())
	if _, err := Apply(context.Background(), st, f, nil, time.Now()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if _, err := st.GetTenant(context.Background(), "acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("tenant stored despite invalid fixtures: %v", err)
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	t.Parallel()
	if _, err := Decode("f.json", []byte(`{"tenants":[{"id":"a","bogus":1}]}`)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
