// Package seed loads tenants, users, counterparties, classifiers and
// templates from a YAML or JSON fixture file.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"commagent/internal/config"
	"commagent/internal/domain"
	"commagent/internal/storage"
)

type Fixtures struct {
	Tenants        []domain.Tenant       `json:"tenants"`
	Users          []domain.User         `json:"users"`
	Counterparties []domain.Counterparty `json:"counterparties"`
	Classifiers    []domain.Classifier   `json:"classifiers"`
	Templates      []domain.Template     `json:"templates"`
}

// Rebuilder refreshes a tenant's triggers after its templates change.
type Rebuilder interface {
	RebuildTenant(ctx context.Context, tenantID string) (int, error)
}

// Summary counts what Apply stored.
type Summary struct {
	Tenants, Users, Counterparties, Classifiers, Templates, Triggers int
}

func LoadFile(path string) (*Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(path, b)
}

// Decode strictly decodes fixtures; unknown fields are rejected.
func Decode(name string, b []byte) (*Fixtures, error) {
	jb, err := config.ToJSON(name, b)
	if err != nil {
		return nil, err
	}
	var f Fixtures
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return &f, nil
}

// Apply validates every record, then stores them. Records are upserted by
// id, so applying the same file twice is harmless. Nothing is stored when
// any record is invalid.
func Apply(ctx context.Context, st *storage.Store, f *Fixtures, rb Rebuilder, now time.Time) (Summary, error) {
	if err := f.validate(); err != nil {
		return Summary{}, err
	}
	var sum Summary
	tenants := map[string]bool{}

	for i := range f.Tenants {
		if err := st.SaveTenant(ctx, &f.Tenants[i]); err != nil {
			return sum, err
		}
		tenants[f.Tenants[i].ID] = true
		sum.Tenants++
	}
	for i := range f.Users {
		if err := st.SaveUser(ctx, &f.Users[i]); err != nil {
			return sum, err
		}
		sum.Users++
	}
	for i := range f.Counterparties {
		if err := st.SaveCounterparty(ctx, &f.Counterparties[i]); err != nil {
			return sum, err
		}
		sum.Counterparties++
	}
	for i := range f.Classifiers {
		c := &f.Classifiers[i]
		c.Category = strings.ToUpper(strings.TrimSpace(c.Category))
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		if err := st.SaveClassifier(ctx, c); err != nil {
			return sum, err
		}
		sum.Classifiers++
	}
	for i := range f.Templates {
		t := &f.Templates[i]
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		if err := st.SaveTemplate(ctx, t); err != nil {
			return sum, err
		}
		tenants[t.TenantID] = true
		sum.Templates++
	}

	if rb != nil {
		for id := range tenants {
			n, err := rb.RebuildTenant(ctx, id)
			if err != nil {
				return sum, fmt.Errorf("rebuild %s: %w", id, err)
			}
			sum.Triggers += n
		}
	}
	return sum, nil
}

func (f *Fixtures) validate() error {
	for i, t := range f.Tenants {
		if t.ID == "" {
			return domain.Invalid(fmt.Sprintf("tenants[%d].id", i), "required")
		}
	}
	for i, u := range f.Users {
		if u.ID == "" || u.TenantID == "" {
			return domain.Invalid(fmt.Sprintf("users[%d]", i), "id and tenantId required")
		}
	}
	for i, c := range f.Counterparties {
		if c.TenantID == "" {
			return domain.Invalid(fmt.Sprintf("counterparties[%d].tenantId", i), "required")
		}
	}
	for i := range f.Classifiers {
		if err := f.Classifiers[i].Validate(); err != nil {
			return fmt.Errorf("classifiers[%d]: %w", i, err)
		}
	}
	for i := range f.Templates {
		if err := f.Templates[i].Validate(); err != nil {
			return fmt.Errorf("templates[%d]: %w", i, err)
		}
	}
	return nil
}
