package comms

import (
	"context"
	"fmt"
	"strings"

	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/storage"
	logx "commagent/pkg/logx"
)

// ---- classifiers ----

func (s *Service) CreateClassifier(ctx context.Context, c *domain.Classifier) (*domain.Classifier, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.Category = strings.ToUpper(strings.TrimSpace(c.Category))
	c.ID = ""
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.d.Store.SaveClassifier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateClassifier replaces a classifier, keeping its creation time.
func (s *Service) UpdateClassifier(ctx context.Context, c *domain.Classifier) (*domain.Classifier, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	prev, err := s.d.Store.GetClassifier(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, err
	}
	c.Category = strings.ToUpper(strings.TrimSpace(c.Category))
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = s.now()
	if err := s.d.Store.SaveClassifier(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteClassifier(ctx context.Context, tenantID, id string) error {
	return s.d.Store.DeleteClassifier(ctx, tenantID, id)
}

func (s *Service) ListClassifiers(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Classifier, error) {
	return s.d.Store.ListClassifiers(ctx, tenantID, activeOnly)
}

// ---- templates ----
//
// Every mutation is persisted first, then the tenant's triggers are rebuilt
// synchronously. A failed rebuild is logged; the edit stands.

func (s *Service) CreateTemplate(ctx context.Context, t *domain.Template) (*domain.Template, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.ID = ""
	t.Deleted, t.DeletedAt = false, nil
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := s.d.Store.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.templateChanged(ctx, t, "created")
	return t, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, t *domain.Template) (*domain.Template, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	prev, err := s.liveTemplate(ctx, t.TenantID, t.ID)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = s.now()
	if err := s.d.Store.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.templateChanged(ctx, t, "updated")
	return t, nil
}

// DeleteTemplate soft-deletes a template and cancels its trigger.
func (s *Service) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	t, err := s.liveTemplate(ctx, tenantID, id)
	if err != nil {
		return err
	}
	now := s.now()
	t.Deleted, t.DeletedAt, t.UpdatedAt = true, &now, now
	if err := s.d.Store.SaveTemplate(ctx, t); err != nil {
		return err
	}
	s.templateChanged(ctx, t, "deleted")
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	return s.liveTemplate(ctx, tenantID, id)
}

func (s *Service) ListTemplates(ctx context.Context, tenantID string, f storage.TemplateFilter) ([]domain.Template, error) {
	return s.d.Store.ListTemplates(ctx, tenantID, f)
}

func (s *Service) liveTemplate(ctx context.Context, tenantID, id string) (*domain.Template, error) {
	t, err := s.d.Store.GetTemplate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t.Deleted {
		return nil, domain.NotFound(storage.KindTemplate, id)
	}
	return t, nil
}

func (s *Service) templateChanged(ctx context.Context, t *domain.Template, op string) {
	s.publish(eventbus.TemplateChanged, t.TenantID, map[string]string{"template": t.ID, "op": op})
	if s.d.Schedule == nil {
		return
	}
	n, err := s.d.Schedule.RebuildTenant(ctx, t.TenantID)
	if err != nil {
		s.log.Error("trigger rebuild failed",
			logx.String("tenant", t.TenantID),
			logx.String("template", t.ID),
			logx.Err(err),
		)
		return
	}
	s.log.Debug("triggers rebuilt", logx.String("tenant", t.TenantID), logx.String("op", op), logx.Int("triggers", n))
}

// ---- manual send ----

// TriggerRequest sends a template to an explicit recipient list.
type TriggerRequest struct {
	TenantID        string
	TemplateID      string
	CounterpartyIDs []string
	Custom          map[string]any
	Actor           string
}

// TriggerTemplate renders and dispatches a template to each listed
// counterparty. Unknown recipients fail the call before anything is sent;
// per-recipient delivery failures are reported in the job status.
func (s *Service) TriggerTemplate(ctx context.Context, req TriggerRequest) (fanout.JobStatus, error) {
	if len(req.CounterpartyIDs) == 0 {
		return fanout.JobStatus{}, domain.Invalid("recipients", "at least one counterparty required")
	}
	if err := s.requireAccess(ctx, req.TenantID); err != nil {
		return fanout.JobStatus{}, err
	}
	tpl, err := s.liveTemplate(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return fanout.JobStatus{}, err
	}
	tenant, err := s.d.Store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return fanout.JobStatus{}, err
	}

	recipients := make([]domain.Counterparty, 0, len(req.CounterpartyIDs))
	seen := map[string]bool{}
	for _, id := range req.CounterpartyIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		cp, err := s.d.Store.GetCounterparty(ctx, req.TenantID, id)
		if err != nil {
			return fanout.JobStatus{}, fmt.Errorf("recipient %s: %w", id, err)
		}
		recipients = append(recipients, *cp)
	}

	actor := req.Actor
	if actor == "" {
		actor = "manual"
	}
	return s.d.Fanout.Run(ctx, fanout.Job{
		Name:       "manual:" + tpl.Name,
		Tenant:     tenant,
		Template:   tpl,
		Recipients: recipients,
		Custom:     req.Custom,
		Actor:      actor,
	}), nil
}
