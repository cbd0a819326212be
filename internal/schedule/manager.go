package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"commagent/internal/access"
	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/lease"
	"commagent/internal/metrics"
	"commagent/internal/storage"
	"commagent/internal/task/engine"
	logx "commagent/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is used when neither the template nor the tenant sets one.
	Timezone    string
	FireTimeout time.Duration
	LeaseTTL    time.Duration
	LeasePrefix string
}

// Deps are the collaborators a fire needs. Engine and Lease may be nil: fires
// then run inline on the cron goroutine and are not leased.
type Deps struct {
	Store   *storage.Store
	Access  access.Checker
	Fanout  *fanout.Service
	Engine  *engine.Service
	Lease   lease.Locker
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type trigger struct {
	tenantID   string
	templateID string
	name       string
	rule       Rule
	entryID    cron.EntryID
}

// TriggerInfo describes one live trigger.
type TriggerInfo struct {
	TenantID     string
	TemplateID   string
	TemplateName string
	Spec         string
	Next         time.Time
	Prev         time.Time
}

type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	d   Deps

	c        *cron.Cron
	triggers map[string][]trigger

	// rebuildMu serializes rebuilds so two concurrent edits of one tenant
	// cannot interleave cancel and create.
	rebuildMu sync.Mutex

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	now func() time.Time
}

func New(cfg Config, d Deps, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:         withDefaults(cfg),
		log:         log.With(logx.String("comp", "schedule")),
		d:           d,
		triggers:    map[string][]trigger{},
		lastEnqWarn: map[string]time.Time{},
		now:         time.Now,
	}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.LeasePrefix == "" {
		cfg.LeasePrefix = lease.DefaultPrefix
	}
	return cfg
}

func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

// Apply updates fire timeout and lease settings. A changed default timezone
// only reaches tenants on their next rebuild.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = withDefaults(cfg)
	m.mu.Unlock()
}

// Start starts cron and rebuilds every tenant holding the capability. It is
// a no-op when disabled or already started.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.c != nil || !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	// Every spec carries CRON_TZ, so the cron location only matters for logs.
	m.c = cron.New(cron.WithLocation(time.UTC))
	m.c.Start()
	m.mu.Unlock()

	n, err := m.RebuildAll(ctx)
	if err != nil {
		m.log.Error("initial rebuild failed", logx.Err(err))
	}
	m.log.Info("scheduler started", logx.Int("triggers", n))
}

// Stop stops cron. Fires already running complete on their own.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	// Start rebuilds from the store, so nothing needs to survive here.
	clear(m.triggers)
	m.mu.Unlock()
	if c == nil {
		return
	}
	m.d.Metrics.Triggers(0)
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("scheduler stopped")
}

// RebuildAll rebuilds every tenant holding the capability. One tenant's
// failure does not stop the others; the returned error joins them.
func (m *Manager) RebuildAll(ctx context.Context) (int, error) {
	tenants, err := m.d.Store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	total := 0
	var errs []error
	for _, t := range tenants {
		n, err := m.RebuildTenant(ctx, t.ID)
		if err != nil {
			m.log.Error("tenant rebuild failed", logx.String("tenant", t.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// RebuildTenant cancels every trigger of tenantID and recreates one per
// active scheduled template. It returns the number of triggers compiled.
// They are registered only while the manager is started; before Start (or
// after Stop) the count is a dry run.
func (m *Manager) RebuildTenant(ctx context.Context, tenantID string) (int, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.Cancel(tenantID)
	if !m.Enabled() {
		return 0, nil
	}

	ok, err := m.d.Access.HasAgentAccess(ctx, tenantID, domain.AgentCommunication)
	if err != nil {
		return 0, err
	}
	if !ok {
		m.log.Debug("tenant lacks capability; no triggers", logx.String("tenant", tenantID))
		m.publishRebuilt(tenantID, 0)
		return 0, nil
	}

	tenantTZ := ""
	if t, err := m.d.Store.GetTenant(ctx, tenantID); err == nil {
		tenantTZ = t.Timezone
	}
	tpls, err := m.d.Store.ListTemplates(ctx, tenantID, storage.TemplateFilter{Type: domain.TemplateScheduled, ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}

	m.mu.Lock()
	defaultTZ := m.cfg.Timezone
	m.mu.Unlock()

	var fresh []trigger
	for i := range tpls {
		tpl := &tpls[i]
		if !tpl.Scheduled() {
			continue
		}
		rule, err := Compile(tpl.ScheduleConfig, tenantTZ, defaultTZ)
		if errors.Is(err, ErrSkip) {
			m.log.Debug("template has no schedule; skipped", logx.String("tenant", tenantID), logx.String("template", tpl.ID))
			continue
		}
		if err != nil {
			m.log.Warn("template schedule invalid; skipped", logx.String("tenant", tenantID), logx.String("template", tpl.ID), logx.Err(err))
			continue
		}
		fresh = append(fresh, trigger{tenantID: tenantID, templateID: tpl.ID, name: tpl.Name, rule: rule})
	}

	m.mu.Lock()
	if m.c != nil && len(fresh) > 0 {
		for i := range fresh {
			fresh[i].entryID = m.c.Schedule(fresh[i].rule.sched, m.cronJob(fresh[i].tenantID, fresh[i].templateID))
		}
		m.triggers[tenantID] = fresh
	}
	count := m.countLocked()
	m.mu.Unlock()

	m.d.Metrics.Triggers(count)
	m.publishRebuilt(tenantID, len(fresh))
	m.log.Debug("tenant triggers rebuilt", logx.String("tenant", tenantID), logx.Int("triggers", len(fresh)))
	return len(fresh), nil
}

// Cancel removes every trigger of tenantID and returns how many there were.
func (m *Manager) Cancel(tenantID string) int {
	m.mu.Lock()
	ts := m.triggers[tenantID]
	for _, t := range ts {
		if m.c != nil {
			m.c.Remove(t.entryID)
		}
	}
	delete(m.triggers, tenantID)
	count := m.countLocked()
	m.mu.Unlock()
	m.d.Metrics.Triggers(count)
	return len(ts)
}

// Count returns the number of live triggers across tenants.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked()
}

func (m *Manager) countLocked() int {
	n := 0
	for _, ts := range m.triggers {
		n += len(ts)
	}
	return n
}

// Snapshot lists live triggers, optionally for one tenant ("" for all).
func (m *Manager) Snapshot(tenantID string) []TriggerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []TriggerInfo
	for tenant, ts := range m.triggers {
		if tenantID != "" && tenant != tenantID {
			continue
		}
		for _, t := range ts {
			info := TriggerInfo{TenantID: t.tenantID, TemplateID: t.templateID, TemplateName: t.name, Spec: t.rule.Spec}
			if m.c != nil {
				e := m.c.Entry(t.entryID)
				info.Next, info.Prev = e.Next, e.Prev
			}
			if info.Next.IsZero() {
				info.Next = t.rule.Next(now)
			}
			out = append(out, info)
		}
	}
	sortInfos(out)
	return out
}

func (m *Manager) cronJob(tenantID, templateID string) cron.Job {
	return cron.FuncJob(func() {
		slot := m.now().Truncate(time.Minute)
		run := func(ctx context.Context) error {
			res, err := m.fire(ctx, tenantID, templateID, slot)
			if err == nil && res.Outcome == OutcomeFailed {
				err = fmt.Errorf("%d of %d recipients failed", res.Job.Failed, res.Job.Total)
			}
			// the next scheduled fire is the retry
			return engine.NoRetry(err)
		}

		m.mu.Lock()
		timeout := m.cfg.FireTimeout
		m.mu.Unlock()

		if m.d.Engine != nil {
			err := m.d.Engine.Enqueue(engine.Task{
				Name:    "schedule:" + tenantID + "/" + templateID,
				Key:     tenantID + "/" + templateID,
				Timeout: timeout,
				Run:     run,
				Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
			})
			if !errors.Is(err, engine.ErrDisabled) {
				m.reportEnqueueError(tenantID, templateID, err)
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = run(ctx)
	})
}

const enqueueWarnThrottle = 5 * time.Second

func (m *Manager) reportEnqueueError(tenantID, templateID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		m.d.Metrics.Fire(OutcomeSkipped, 0)
		m.log.Info("fire skipped: previous run still in flight", logx.String("tenant", tenantID), logx.String("template", templateID))
		return
	}
	key := tenantID + "/" + templateID
	now := time.Now()
	m.enqMu.Lock()
	last := m.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		m.enqMu.Unlock()
		return
	}
	m.lastEnqWarn[key] = now
	m.enqMu.Unlock()
	m.d.Metrics.Fire(OutcomeError, 0)
	m.log.Warn("fire not enqueued", logx.String("tenant", tenantID), logx.String("template", templateID), logx.Err(err))
}

func (m *Manager) publishRebuilt(tenantID string, n int) {
	if m.d.Bus == nil {
		return
	}
	m.d.Bus.Publish(eventbus.Event{
		Type:     eventbus.ScheduleRebuilt,
		TenantID: tenantID,
		Time:     time.Now(),
		Data:     map[string]string{"triggers": strconv.Itoa(n)},
	})
}
