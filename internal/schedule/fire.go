package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/lease"
	logx "commagent/pkg/logx"
)

// Fire outcomes, also used as the result label of the fires metric.
const (
	OutcomeFired   = "fired"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeLeased  = "leased"
	OutcomeError   = "error"
)

// FireResult describes one fire attempt.
type FireResult struct {
	Outcome string
	Reason  string
	Job     *fanout.JobStatus
}

// Fire runs one fire of templateID synchronously, outside cron, for the
// current minute slot.
func (m *Manager) Fire(ctx context.Context, tenantID, templateID string) (FireResult, error) {
	return m.fire(ctx, tenantID, templateID, m.now().Truncate(time.Minute))
}

func (m *Manager) fire(ctx context.Context, tenantID, templateID string, slot time.Time) (FireResult, error) {
	start := time.Now()
	log := m.log.With(logx.String("tenant", tenantID), logx.String("template", templateID), logx.Time("slot", slot))

	res, err := m.fireOnce(ctx, log, tenantID, templateID, slot)
	if err != nil {
		res.Outcome = OutcomeError
		res.Reason = err.Error()
		log.Error("fire failed", logx.Err(err))
	}
	m.d.Metrics.Fire(res.Outcome, time.Since(start))

	typ := eventbus.ScheduleFired
	if res.Outcome != OutcomeFired && res.Outcome != OutcomeFailed {
		typ = eventbus.ScheduleSkipped
	}
	data := map[string]string{"template": templateID, "outcome": res.Outcome}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if res.Job != nil {
		data["job"] = res.Job.ID
	}
	if m.d.Bus != nil {
		m.d.Bus.Publish(eventbus.Event{Type: typ, TenantID: tenantID, Time: time.Now(), Data: data})
	}
	return res, err
}

func (m *Manager) fireOnce(ctx context.Context, log logx.Logger, tenantID, templateID string, slot time.Time) (FireResult, error) {
	if m.d.Lease != nil {
		m.mu.Lock()
		prefix, ttl := m.cfg.LeasePrefix, m.cfg.LeaseTTL
		m.mu.Unlock()
		ok, err := m.d.Lease.TryAcquire(ctx, lease.FireKey(prefix, tenantID, templateID, slot), ttl)
		if err != nil {
			return FireResult{}, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			log.Debug("slot already fired elsewhere")
			return FireResult{Outcome: OutcomeLeased, Reason: "lease held"}, nil
		}
	}

	tpl, err := m.d.Store.GetTemplate(ctx, tenantID, templateID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("stale trigger: template gone")
		return FireResult{Outcome: OutcomeSkipped, Reason: "template not found"}, nil
	}
	if err != nil {
		return FireResult{}, fmt.Errorf("load template: %w", err)
	}
	if !tpl.Scheduled() {
		log.Warn("stale trigger: template no longer scheduled")
		return FireResult{Outcome: OutcomeSkipped, Reason: "template not scheduled"}, nil
	}

	ok, err := m.d.Access.HasAgentAccess(ctx, tenantID, domain.AgentCommunication)
	if err != nil {
		return FireResult{}, fmt.Errorf("check capability: %w", err)
	}
	if !ok {
		log.Warn("tenant lost capability; fire skipped")
		return FireResult{Outcome: OutcomeSkipped, Reason: "capability revoked"}, nil
	}

	tenant, err := m.d.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return FireResult{}, fmt.Errorf("load tenant: %w", err)
	}
	cps, err := m.d.Store.ListCounterparties(ctx, tenantID, true)
	if err != nil {
		return FireResult{}, fmt.Errorf("list counterparties: %w", err)
	}
	recipients := Recipients(cps, tpl.TriggerConditions)
	if len(recipients) == 0 {
		log.Info("no recipients match; nothing sent")
		return FireResult{Outcome: OutcomeSkipped, Reason: "no recipients"}, nil
	}

	st := m.d.Fanout.Run(ctx, fanout.Job{
		Name:       "schedule:" + tpl.Name,
		Tenant:     tenant,
		Template:   tpl,
		Recipients: recipients,
		Actor:      "scheduler",
	})
	out := FireResult{Outcome: OutcomeFired, Job: &st}
	if st.Failed > 0 {
		out.Outcome = OutcomeFailed
	}
	return out, nil
}

// Recipients filters active counterparties by a template's trigger
// conditions. Tags match when the counterparty has any of them; channels
// match when it has an address on any of them. Empty conditions match all.
func Recipients(cps []domain.Counterparty, tc domain.TriggerConditions) []domain.Counterparty {
	var out []domain.Counterparty
	for i := range cps {
		c := &cps[i]
		if !c.Active {
			continue
		}
		if len(tc.CounterpartyIDs) > 0 && !slices.Contains(tc.CounterpartyIDs, c.ID) {
			continue
		}
		if len(tc.Tags) > 0 && !hasAnyTag(c, tc.Tags) {
			continue
		}
		if len(tc.Channels) > 0 && !hasAnyAddress(c, tc.Channels) {
			continue
		}
		out = append(out, *c)
	}
	return out
}

func hasAnyTag(c *domain.Counterparty, tags []string) bool {
	for _, t := range tags {
		if c.HasTag(t) {
			return true
		}
	}
	return false
}

func hasAnyAddress(c *domain.Counterparty, channels []string) bool {
	for _, ch := range channels {
		if c.Address(strings.TrimSpace(ch)) != "" {
			return true
		}
	}
	return false
}

func sortInfos(in []TriggerInfo) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].TenantID != in[j].TenantID {
			return in[i].TenantID < in[j].TenantID
		}
		return in[i].TemplateID < in[j].TemplateID
	})
}
