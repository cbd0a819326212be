// Package fanout sends one template to many recipients. Each recipient is
// rendered and dispatched independently; a failure for one never stops the
// others.
package fanout

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"commagent/internal/dispatch"
	"commagent/internal/domain"
	"commagent/internal/render"
	"commagent/internal/storage"
	logx "commagent/pkg/logx"
)

const defaultWorkers = 4

func New(cfg Config, d Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		dispatcher: d,
		log:        log.With(logx.String("comp", "fanout")),
		now:        time.Now,
		status:     map[string]*JobStatus{},
		statusMax:  200,
		statusTTL:  24 * time.Hour,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Run executes job and returns its final status. Per-recipient errors are
// recorded in the status; only a canceled ctx stops the job early, and
// recipients not reached are counted as skipped.
func (s *Service) Run(ctx context.Context, job Job) JobStatus {
	st := s.newStatus(job)
	start := s.now()

	if job.Template == nil {
		s.finish(st.ID)
		return s.mustStatus(st.ID)
	}
	s.setRunning(st.ID)

	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()

	results := make([]Result, len(job.Recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range job.Recipients {
		c := job.Recipients[i]
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = Result{CounterpartyID: c.ID, Outcome: OutcomeSkipped, Error: gctx.Err().Error()}
				return nil
			}
			results[i] = s.sendOne(gctx, job, &c)
			// Never return an error: one recipient must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	s.record(st.ID, results)
	s.finish(st.ID)
	final := s.mustStatus(st.ID)

	fields := []logx.Field{
		logx.String("job", final.ID),
		logx.String("tenant", final.TenantID),
		logx.String("template", final.TemplateID),
		logx.Int("total", final.Total),
		logx.Int("sent", final.Sent),
		logx.Int("failed", final.Failed),
		logx.Int("skipped", final.Skipped),
		logx.Duration("dur", s.now().Sub(start)),
	}
	if final.Failed > 0 {
		s.log.Warn("fanout finished with failures", fields...)
	} else {
		s.log.Info("fanout finished", fields...)
	}
	return final
}

func (s *Service) sendOne(ctx context.Context, job Job, c *domain.Counterparty) Result {
	res := Result{CounterpartyID: c.ID}
	channel, to := PickChannel(job.Template, c)
	if channel == "" {
		res.Outcome = OutcomeSkipped
		res.Error = "no address for any template channel"
		s.log.Debug("recipient skipped", logx.String("tenant", c.TenantID), logx.String("counterparty", c.ID), logx.String("template", job.Template.ID))
		return res
	}
	res.Channel = channel

	rctx := render.Context(c, job.Tenant, nil, job.Custom, s.now())
	subject, body := render.RenderTemplate(job.Template, rctx)

	msg, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		TenantID:       job.Template.TenantID,
		TemplateID:     job.Template.ID,
		ParentID:       job.ParentID,
		CounterpartyID: c.ID,
		Recipient:      to,
		Channel:        channel,
		Subject:        subject,
		Body:           body,
		Actor:          job.Actor,
	})
	if msg != nil {
		res.MessageID = msg.ID
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		if !errors.Is(err, domain.ErrTransport) {
			s.log.Warn("recipient dispatch error", logx.String("tenant", c.TenantID), logx.String("counterparty", c.ID), logx.String("template", job.Template.ID), logx.Err(err))
		}
		return res
	}
	res.Outcome = OutcomeSent
	return res
}

// PickChannel returns the first template channel the counterparty has an
// address for, falling back to its preferred channel.
func PickChannel(t *domain.Template, c *domain.Counterparty) (channel, to string) {
	for _, ch := range t.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if addr := c.Address(ch); addr != "" {
			return ch, addr
		}
	}
	pref := strings.ToLower(strings.TrimSpace(c.PreferredChannel))
	if addr := c.Address(pref); addr != "" {
		return pref, addr
	}
	return "", ""
}

func (s *Service) newStatus(job Job) *JobStatus {
	now := s.now()
	st := &JobStatus{
		ID:        "fan:" + storage.NewID(),
		Name:      job.Name,
		Total:     len(job.Recipients),
		CreatedAt: now,
	}
	if job.Template != nil {
		st.TenantID = job.Template.TenantID
		st.TemplateID = job.Template.ID
	}
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[st.ID] = st
	s.statusMu.Unlock()
	return st
}

// Status returns a copy of the job's status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Results = append([]Result(nil), st.Results...)
	return cp, true
}

func (s *Service) mustStatus(id string) JobStatus {
	st, _ := s.Status(id)
	return st
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = s.now()
		st.Running = true
	}
}

func (s *Service) record(id string, results []Result) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	st.Results = results
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSent:
			st.Sent++
		case OutcomeFailed:
			st.Failed++
		default:
			st.Skipped++
		}
	}
}

func (s *Service) finish(id string) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.DoneAt = s.now()
		st.Running = false
	}
	s.statusMu.Unlock()
}

// pruneStatus drops finished entries older than statusTTL, then the oldest
// finished ones until under statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.Running && !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > s.statusTTL {
			delete(s.status, id)
		}
	}
	for len(s.status) >= s.statusMax {
		var (
			oldID string
			oldAt time.Time
		)
		for id, st := range s.status {
			if st.Running {
				continue
			}
			if oldID == "" || st.CreatedAt.Before(oldAt) {
				oldID, oldAt = id, st.CreatedAt
			}
		}
		if oldID == "" {
			return
		}
		delete(s.status, oldID)
	}
}
