package render

import (
	"maps"
	"time"

	"commagent/internal/domain"
)

// Context builds the base render context and merges custom over it.
//
// Keys: client and counterparty (same map), tenant, message, date, and any
// custom keys. Nested custom maps are merged key by key.
func Context(c *domain.Counterparty, t *domain.Tenant, m *domain.Message, custom map[string]any, now time.Time) map[string]any {
	ctx := map[string]any{
		"date": now.Format("2006-01-02"),
		"time": now.Format("15:04"),
	}
	if c != nil {
		cp := map[string]any{
			"id":    c.ID,
			"name":  c.Name,
			"email": c.Email,
			"phone": c.Phone,
		}
		for k, v := range c.Fields {
			if _, taken := cp[k]; !taken {
				cp[k] = v
			}
		}
		ctx["client"] = cp
		ctx["counterparty"] = cp
	}
	if t != nil {
		ctx["tenant"] = map[string]any{"id": t.ID, "name": t.Name}
	}
	if m != nil {
		mm := map[string]any{
			"id":       m.ID,
			"subject":  m.Subject,
			"content":  m.Content,
			"channel":  m.Channel,
			"priority": string(m.Priority),
			"status":   string(m.Status),
		}
		for k, v := range m.Metadata {
			mm[k] = v
		}
		ctx["message"] = mm
	}
	return merge(ctx, custom)
}

func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		sv, sok := v.(map[string]any)
		dv, dok := dst[k].(map[string]any)
		if sok && dok {
			cp := maps.Clone(dv)
			dst[k] = merge(cp, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}
