package schedule

import (
	"context"
	"errors"
	"time"

	"commagent/internal/domain"
	"commagent/internal/storage"
)

// PreviewItem is one scheduled template and its upcoming fires. Err is set
// instead of Next when the schedule does not compile.
type PreviewItem struct {
	TemplateID   string
	TemplateName string
	Spec         string
	Next         []time.Time
	Err          string
}

// Preview computes the next n fires after from for every active scheduled
// template of tenantID, using the same timezone fallbacks as a rebuild.
// Templates without frequency or time are left out.
func (m *Manager) Preview(ctx context.Context, tenantID string, from time.Time, n int) ([]PreviewItem, error) {
	if n <= 0 {
		n = 3
	}
	tenant, err := m.d.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tpls, err := m.d.Store.ListTemplates(ctx, tenantID, storage.TemplateFilter{Type: domain.TemplateScheduled, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defaultTZ := m.cfg.Timezone
	m.mu.Unlock()

	out := make([]PreviewItem, 0, len(tpls))
	for i := range tpls {
		tpl := &tpls[i]
		rule, err := Compile(tpl.ScheduleConfig, tenant.Timezone, defaultTZ)
		if errors.Is(err, ErrSkip) {
			continue
		}
		item := PreviewItem{TemplateID: tpl.ID, TemplateName: tpl.Name}
		if err != nil {
			item.Err = err.Error()
		} else {
			item.Spec = rule.Spec
			item.Next = rule.NextN(from, n)
		}
		out = append(out, item)
	}
	return out, nil
}
