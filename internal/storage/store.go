package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"commagent/internal/domain"

	"github.com/google/uuid"
)

// Store is the typed, tenant-scoped view over a Backend.
type Store struct {
	b Backend
}

func New(b Backend) *Store { return &Store{b: b} }

// NewID returns a fresh record id.
func NewID() string { return uuid.New().String() }

func (s *Store) Backend() Backend { return s.b }

func (s *Store) Close() error {
	if s == nil || s.b == nil {
		return nil
	}
	return s.b.Close()
}

func put(ctx context.Context, b Backend, kind, tenantID, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", kind, id, err)
	}
	return b.Put(ctx, Document{Kind: kind, TenantID: tenantID, ID: id, Data: data})
}

func get[T any](ctx context.Context, b Backend, kind, tenantID, id string) (*T, error) {
	d, err := b.Get(ctx, kind, tenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, domain.NotFound(kind, id)
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(d.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", kind, id, err)
	}
	return &v, nil
}

func list[T any](ctx context.Context, b Backend, kind, tenantID string) ([]T, error) {
	docs, err := b.List(ctx, kind, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s %q: %w", kind, d.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ---- messages ----

// SaveMessage inserts or replaces m. An empty ID is filled in.
func (s *Store) SaveMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return put(ctx, s.b, KindMessage, m.TenantID, m.ID, m)
}

func (s *Store) GetMessage(ctx context.Context, tenantID, id string) (*domain.Message, error) {
	return get[domain.Message](ctx, s.b, KindMessage, tenantID, id)
}

// MessageFilter narrows ListMessages. Zero fields match everything.
type MessageFilter struct {
	Status         domain.Status
	Direction      domain.Direction
	AssignedTo     string
	Channel        string
	CounterpartyID string
	From, To       time.Time // CreatedAt range, inclusive
	IncludeDeleted bool
	Limit          int
}

func (f MessageFilter) match(m *domain.Message) bool {
	if m.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Direction != "" && m.Direction != f.Direction {
		return false
	}
	if f.AssignedTo != "" && m.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Channel != "" && !strings.EqualFold(m.Channel, f.Channel) {
		return false
	}
	if f.CounterpartyID != "" && m.CounterpartyID != f.CounterpartyID {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ListMessages returns a tenant's messages matching f, newest first.
func (s *Store) ListMessages(ctx context.Context, tenantID string, f MessageFilter) ([]domain.Message, error) {
	all, err := list[domain.Message](ctx, s.b, KindMessage, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for i := range all {
		if f.match(&all[i]) {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Thread returns every non-deleted message sharing id's root, oldest first.
func (s *Store) Thread(ctx context.Context, tenantID, id string) ([]domain.Message, error) {
	all, err := list[domain.Message](ctx, s.b, KindMessage, tenantID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Message, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}
	if _, ok := byID[id]; !ok {
		return nil, domain.NotFound(KindMessage, id)
	}

	rootOf := func(id string) string {
		seen := map[string]bool{}
		for {
			m, ok := byID[id]
			if !ok || m.ParentMessageID == "" || seen[id] {
				return id
			}
			seen[id] = true
			id = m.ParentMessageID
		}
	}
	root := rootOf(id)

	var out []domain.Message
	for i := range all {
		if all[i].Deleted {
			continue
		}
		if rootOf(all[i].ID) == root {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindRecentFailed returns the newest FAILED outbound message for
// (tenant, recipient, template) whose failure happened at or after since.
// It returns (nil, nil) when there is none.
func (s *Store) FindRecentFailed(ctx context.Context, tenantID, recipient, templateID string, since time.Time) (*domain.Message, error) {
	all, err := list[domain.Message](ctx, s.b, KindMessage, tenantID)
	if err != nil {
		return nil, err
	}
	var best *domain.Message
	var bestAt time.Time
	for i := range all {
		m := &all[i]
		if m.Deleted || m.Direction != domain.Outbound || m.Status != domain.StatusFailed {
			continue
		}
		if m.Recipient != recipient || m.TemplateID != templateID {
			continue
		}
		at := m.UpdatedAt
		if n := len(m.StatusHistory); n > 0 {
			at = m.StatusHistory[n-1].Timestamp
		}
		if at.Before(since) {
			continue
		}
		if best == nil || at.After(bestAt) {
			best, bestAt = m, at
		}
	}
	return best, nil
}

// ---- classifiers ----

func (s *Store) SaveClassifier(ctx context.Context, c *domain.Classifier) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return put(ctx, s.b, KindClassifier, c.TenantID, c.ID, c)
}

func (s *Store) GetClassifier(ctx context.Context, tenantID, id string) (*domain.Classifier, error) {
	return get[domain.Classifier](ctx, s.b, KindClassifier, tenantID, id)
}

// ListClassifiers returns a tenant's classifiers ordered by Position, then
// insertion order.
func (s *Store) ListClassifiers(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Classifier, error) {
	all, err := list[domain.Classifier](ctx, s.b, KindClassifier, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// DeleteClassifier removes a classifier. Classifiers carry no history, so
// unlike messages and templates they are hard deleted.
func (s *Store) DeleteClassifier(ctx context.Context, tenantID, id string) error {
	if err := s.b.Delete(ctx, KindClassifier, tenantID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.NotFound(KindClassifier, id)
		}
		return err
	}
	return nil
}

// ---- templates ----

func (s *Store) SaveTemplate(ctx context.Context, t *domain.Template) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return put(ctx, s.b, KindTemplate, t.TenantID, t.ID, t)
}

func (s *Store) GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	return get[domain.Template](ctx, s.b, KindTemplate, tenantID, id)
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Type           domain.TemplateType
	ActiveOnly     bool
	IncludeDeleted bool
}

func (s *Store) ListTemplates(ctx context.Context, tenantID string, f TemplateFilter) ([]domain.Template, error) {
	all, err := list[domain.Template](ctx, s.b, KindTemplate, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Deleted && !f.IncludeDeleted {
			continue
		}
		if f.ActiveOnly && !t.Active {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- counterparties / users / tenants ----

func (s *Store) SaveCounterparty(ctx context.Context, c *domain.Counterparty) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return put(ctx, s.b, KindCounterparty, c.TenantID, c.ID, c)
}

func (s *Store) GetCounterparty(ctx context.Context, tenantID, id string) (*domain.Counterparty, error) {
	return get[domain.Counterparty](ctx, s.b, KindCounterparty, tenantID, id)
}

func (s *Store) ListCounterparties(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Counterparty, error) {
	all, err := list[domain.Counterparty](ctx, s.b, KindCounterparty, tenantID)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return all, nil
	}
	out := all[:0]
	for _, c := range all {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) SaveUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	return put(ctx, s.b, KindUser, u.TenantID, u.ID, u)
}

func (s *Store) GetUser(ctx context.Context, tenantID, id string) (*domain.User, error) {
	return get[domain.User](ctx, s.b, KindUser, tenantID, id)
}

// Tenants are stored outside any tenant scope.
func (s *Store) SaveTenant(ctx context.Context, t *domain.Tenant) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return put(ctx, s.b, KindTenant, "", t.ID, t)
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return get[domain.Tenant](ctx, s.b, KindTenant, "", id)
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	return list[domain.Tenant](ctx, s.b, KindTenant, "")
}

// Persistent reports whether documents survive a process restart.
func (s *Store) Persistent() bool {
	_, ok := s.b.(*sqliteStore)
	return ok
}
