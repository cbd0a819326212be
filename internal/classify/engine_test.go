package classify

import (
	"reflect"
	"testing"

	"commagent/internal/domain"
)

func TestTokenize(t *testing.T) {
	t.Parallel()
	got := Tokenize("My INVOICE is wrong, please-fix billing!! #42")
	want := []string{"my", "invoice", "is", "wrong", "please", "fix", "billing", "42"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}

func TestSnowballStemsVariants(t *testing.T) {
	t.Parallel()
	s := Snowball()
	if s.Stem("billing") != s.Stem("bill") {
		t.Fatalf("billing=%q bill=%q", s.Stem("billing"), s.Stem("bill"))
	}
	if s.Stem("invoices") != s.Stem("invoice") {
		t.Fatalf("invoices=%q invoice=%q", s.Stem("invoices"), s.Stem("invoice"))
	}
}

func TestClassifyTieGoesToFirst(t *testing.T) {
	t.Parallel()
	cs := []domain.Classifier{
		{ID: "c1", Category: "BILLING", Keywords: []string{"bill", "invoice"}, Weight: 1, Active: true, DefaultAssignee: "u-billing"},
		{ID: "c2", Category: "COMPLAINT", Phrases: []string{"please fix"}, Weight: 1, Active: true, DefaultAssignee: "u-support"},
	}
	e := New(Snowball())
	scores := e.Scores("My invoice is wrong, please fix billing", cs)
	if scores[0].Total() != 2 || scores[1].Total() != 2 {
		t.Fatalf("scores = %+v, want 2 and 2", scores)
	}

	got := e.Classify("My invoice is wrong, please fix billing", cs, "u-default")
	if got.Category != "BILLING" || got.Score != 2 || got.AssigneeID != "u-billing" || got.ClassifierID != "c1" {
		t.Fatalf("Classify = %+v", got)
	}

	// Reversed order flips the winner.
	got = e.Classify("My invoice is wrong, please fix billing", []domain.Classifier{cs[1], cs[0]}, "")
	if got.Category != "COMPLAINT" {
		t.Fatalf("reversed winner = %s", got.Category)
	}
}

func TestClassifyScoring(t *testing.T) {
	t.Parallel()
	e := New(Snowball())
	tests := []struct {
		name     string
		text     string
		cs       []domain.Classifier
		wantCat  string
		wantScr  float64
		wantUser string
	}{
		{
			name:     "fallback to general",
			text:     "hello there",
			cs:       []domain.Classifier{{ID: "a", Category: "BILLING", Keywords: []string{"invoice"}, Weight: 1, Active: true}},
			wantCat:  domain.CategoryGeneral,
			wantUser: "u-default",
		},
		{
			name:    "keyword counted per occurrence",
			text:    "invoice invoice INVOICES",
			cs:      []domain.Classifier{{ID: "a", Category: "BILLING", Keywords: []string{"invoice"}, Weight: 1.5, Active: true}},
			wantCat: "BILLING", wantScr: 4.5,
		},
		{
			name:    "phrase counted once",
			text:    "please fix this, please fix it",
			cs:      []domain.Classifier{{ID: "a", Category: "COMPLAINT", Phrases: []string{"Please Fix"}, Weight: 3, Active: true}},
			wantCat: "COMPLAINT", wantScr: 6,
		},
		{
			name:    "multi-word keyword",
			text:    "my credit cards were charged twice on the credit card",
			cs:      []domain.Classifier{{ID: "a", Category: "BILLING", Keywords: []string{"credit card"}, Weight: 1, Active: true}},
			wantCat: "BILLING", wantScr: 2,
		},
		{
			name: "strictly greater wins over earlier",
			text: "urgent outage outage",
			cs: []domain.Classifier{
				{ID: "a", Category: "GENERALQ", Keywords: []string{"urgent"}, Weight: 1, Active: true},
				{ID: "b", Category: "URGENT", Keywords: []string{"outage"}, Weight: 1, Active: true},
			},
			wantCat: "URGENT", wantScr: 2,
		},
		{
			name: "inactive ignored",
			text: "invoice",
			cs: []domain.Classifier{
				{ID: "a", Category: "BILLING", Keywords: []string{"invoice"}, Weight: 5, Active: false},
				{ID: "b", Category: "OTHER", Keywords: []string{"invoice"}, Weight: 1, Active: true},
			},
			wantCat: "OTHER", wantScr: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Classify(tt.text, tt.cs, "u-default")
			if got.Category != tt.wantCat || got.Score != tt.wantScr {
				t.Fatalf("Classify = %+v, want %s/%v", got, tt.wantCat, tt.wantScr)
			}
			if tt.wantUser != "" && got.AssigneeID != tt.wantUser {
				t.Fatalf("assignee = %q, want %q", got.AssigneeID, tt.wantUser)
			}
		})
	}
}

func TestClassifyWithInjectedStemmer(t *testing.T) {
	t.Parallel()
	// A stemmer that folds everything starting with "pay" onto "pay".
	st := StemmerFunc(func(w string) string {
		if len(w) >= 3 && w[:3] == "pay" {
			return "pay"
		}
		return w
	})
	cs := []domain.Classifier{{ID: "a", Category: "BILLING", Keywords: []string{"payment"}, Weight: 1, Active: true}}
	got := New(st).Classify("paying paid payments", cs, "")
	if got.Score != 2 {
		t.Fatalf("score = %v, want 2", got.Score)
	}
	if New(Identity()).Classify("payments", cs, "").Category != domain.CategoryGeneral {
		t.Fatal("identity stemmer should not match payments to payment")
	}
}

func TestPriorityFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cat  string
		cur  domain.Priority
		want domain.Priority
	}{
		{domain.CategoryUrgent, domain.PriorityLow, domain.PriorityUrgent},
		{domain.CategoryComplaint, "", domain.PriorityHigh},
		{domain.CategoryComplaint, domain.PriorityUrgent, domain.PriorityHigh},
		{"BILLING", "", domain.PriorityMedium},
		{domain.CategoryGeneral, domain.PriorityLow, domain.PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.cat, tt.cur); got != tt.want {
			t.Fatalf("PriorityFor(%s,%q) = %s, want %s", tt.cat, tt.cur, got, tt.want)
		}
	}
}
