package render

import (
	"testing"
	"time"

	"commagent/internal/domain"
)

func TestRender(t *testing.T) {
	t.Parallel()
	ctx := map[string]any{
		"client": map[string]any{"name": "Ana", "visits": float64(3)},
		"tags":   []string{"vip", "north"},
		"n":      2.5,
	}
	tests := []struct {
		tpl  string
		want string
	}{
		{"Hello {{client.name}}", "Hello Ana"},
		{"Hello {{ client.name }}!", "Hello Ana!"},
		{"Hi {{client.missing}}.", "Hi ."},
		{"Hi {{nope.deeper.still}}", "Hi "},
		{"{{client}}", ""},
		{"visits={{client.visits}} n={{n}}", "visits=3 n=2.5"},
		{"{{tags}}", "vip, north"},
		{"no vars", "no vars"},
		{"{{ not closed", "{{ not closed"},
	}
	for _, tt := range tests {
		if got := Render(tt.tpl, ctx); got != tt.want {
			t.Fatalf("Render(%q) = %q, want %q", tt.tpl, got, tt.want)
		}
	}
}

func TestRenderNilContext(t *testing.T) {
	t.Parallel()
	if got := Render("Hello {{client.name}}", nil); got != "Hello " {
		t.Fatalf("got %q", got)
	}
}

func TestContextMergesCustomOverBase(t *testing.T) {
	t.Parallel()
	c := &domain.Counterparty{ID: "c1", Name: "Ana", Email: "ana@x", Fields: map[string]any{"plan": "gold", "name": "ignored"}}
	tn := &domain.Tenant{ID: "t1", Name: "Acme"}
	m := &domain.Message{ID: "m1", Subject: "Invoice", Metadata: map[string]any{"category": "BILLING"}}
	now := time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC)

	ctx := Context(c, tn, m, map[string]any{
		"client": map[string]any{"name": "Ana M."},
		"promo":  "SPRING",
	}, now)

	tpl := &domain.Template{
		Subject: "{{tenant.name}}: {{message.subject}} ({{message.category}})",
		Content: "Dear {{client.name}} <{{counterparty.email}}>, plan {{client.plan}}, code {{promo}} on {{date}}",
	}
	subj, body := RenderTemplate(tpl, ctx)
	if subj != "Acme: Invoice (BILLING)" {
		t.Fatalf("subject = %q", subj)
	}
	if body != "Dear Ana M. <ana@x>, plan gold, code SPRING on 2025-04-07" {
		t.Fatalf("body = %q", body)
	}
	// counterparty alias keeps the base name; only client was overridden.
	if got := Render("{{counterparty.name}}", ctx); got != "Ana" {
		t.Fatalf("counterparty.name = %q", got)
	}
}
