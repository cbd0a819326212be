// Package dispatch sends one outbound message through a channel transport
// and records the outcome on the message's status history.
//
// Failures for the same (tenant, recipient, template) are folded: inside
// DedupWindow of a FAILED record, further failures bump that record's
// failureCount instead of producing another FAILED message.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/metrics"
	"commagent/internal/storage"
	"commagent/internal/tracker"
	"commagent/internal/transport"
	logx "commagent/pkg/logx"
)

const DefaultDedupWindow = 5 * time.Minute

type Config struct {
	DedupWindow time.Duration
	// RatePerSec bounds transport calls across all channels; 0 disables limiting.
	RatePerSec int
}

// Request describes one outbound send. Subject and Body are already rendered.
type Request struct {
	TenantID       string
	TemplateID     string
	ParentID       string
	CounterpartyID string
	Recipient      string
	Channel        string
	Subject        string
	Body           string
	Actor          string
	Metadata       map[string]any
}

type failMark struct {
	messageID string
	until     time.Time
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	store   *storage.Store
	tracker *tracker.Tracker
	sender  transport.Sender
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	// failMu serializes the failure path so two concurrent failures for one
	// key cannot both create a FAILED record.
	failMu sync.Mutex
	marks  map[string]failMark
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option         { return func(d *Dispatcher) { d.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func New(cfg Config, store *storage.Store, tr *tracker.Tracker, sender transport.Sender, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:   store,
		tracker: tr,
		sender:  sender,
		log:     log.With(logx.String("comp", "dispatch")),
		marks:   map[string]failMark{},
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the window and rate limit at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return domain.Invalid("tenantId", "required")
	case strings.TrimSpace(r.Recipient) == "":
		return domain.Invalid("recipient", "required")
	case strings.TrimSpace(r.Channel) == "":
		return domain.Invalid("channel", "required")
	case strings.TrimSpace(r.Body) == "":
		return domain.Invalid("content", "required")
	}
	return nil
}

// Dispatch creates a PENDING message, sends it and records SENT or FAILED.
//
// On transport failure the returned error wraps domain.ErrTransport. The
// returned message is the FAILED record, which for a folded duplicate is the
// earlier record rather than the one created by this call.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*domain.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}

	msg := &domain.Message{
		TenantID:        req.TenantID,
		CounterpartyID:  req.CounterpartyID,
		Channel:         strings.ToLower(req.Channel),
		Direction:       domain.Outbound,
		Recipient:       req.Recipient,
		Subject:         req.Subject,
		Content:         req.Body,
		ParentMessageID: req.ParentID,
		TemplateID:      req.TemplateID,
	}
	for k, v := range req.Metadata {
		msg.SetMeta(k, v)
	}
	if err := d.tracker.Create(ctx, msg, actor, "queued for "+msg.Channel); err != nil {
		return nil, err
	}

	_, lim := d.snapshot()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Left PENDING; nothing was handed to the transport.
			return msg, err
		}
	}

	sendErr := d.sender.Send(ctx, transport.Envelope{
		TenantID:  msg.TenantID,
		MessageID: msg.ID,
		Channel:   msg.Channel,
		To:        msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Content,
	})
	if sendErr == nil {
		if err := d.tracker.Transition(ctx, msg, domain.StatusSent, actor, "sent via "+msg.Channel); err != nil {
			return msg, err
		}
		d.metrics.Dispatch(msg.Channel, "sent")
		d.publish(eventbus.DispatchSent, msg, nil)
		d.log.Debug("message sent",
			logx.String("tenant", msg.TenantID),
			logx.String("message", msg.ID),
			logx.String("channel", msg.Channel),
			logx.String("template", msg.TemplateID),
		)
		return msg, nil
	}

	return d.fail(ctx, msg, actor, sendErr)
}

func (d *Dispatcher) fail(ctx context.Context, msg *domain.Message, actor string, sendErr error) (*domain.Message, error) {
	terr := domain.TransportFailure(msg.Channel, sendErr)
	cfg, _ := d.snapshot()
	now := d.tracker.Now()

	d.failMu.Lock()
	defer d.failMu.Unlock()

	if msg.TemplateID != "" {
		prev, err := d.recentFailure(ctx, msg, now, cfg.DedupWindow)
		if err != nil {
			d.log.Warn("failure lookup failed; recording new FAILED", logx.String("tenant", msg.TenantID), logx.String("message", msg.ID), logx.Err(err))
		}
		if prev != nil {
			return d.fold(ctx, prev, msg, actor, sendErr, terr, now)
		}
	}

	msg.SetMeta(domain.MetaError, sendErr.Error())
	msg.SetMeta(domain.MetaFailureCount, 1)
	if err := d.tracker.Transition(ctx, msg, domain.StatusFailed, actor, sendErr.Error()); err != nil {
		return msg, fmt.Errorf("%w (and %v)", terr, err)
	}
	if msg.TemplateID != "" {
		d.marks[failKey(msg)] = failMark{messageID: msg.ID, until: now.Add(cfg.DedupWindow)}
		d.pruneMarks(now)
	}

	d.metrics.Dispatch(msg.Channel, "failed")
	d.publish(eventbus.DispatchFailed, msg, sendErr)
	d.log.Warn("dispatch failed",
		logx.String("tenant", msg.TenantID),
		logx.String("message", msg.ID),
		logx.String("channel", msg.Channel),
		logx.String("template", msg.TemplateID),
		logx.Err(sendErr),
	)
	return msg, terr
}

// fold retires msg without it ever reaching FAILED and bumps prev instead.
func (d *Dispatcher) fold(ctx context.Context, prev, msg *domain.Message, actor string, sendErr, terr error, now time.Time) (*domain.Message, error) {
	msg.Deleted = true
	deletedAt := now
	msg.DeletedAt = &deletedAt
	msg.SetMeta(domain.MetaError, sendErr.Error())
	if err := d.tracker.Note(ctx, msg, actor, "duplicate failure folded into "+prev.ID); err != nil {
		d.log.Warn("retire duplicate failed", logx.String("message", msg.ID), logx.Err(err))
	}

	count := prev.MetaInt(domain.MetaFailureCount)
	if count < 1 {
		count = 1
	}
	prev.SetMeta(domain.MetaFailureCount, count+1)
	prev.SetMeta(domain.MetaError, sendErr.Error())
	prev.UpdatedAt = now
	if err := d.store.SaveMessage(ctx, prev); err != nil {
		return prev, fmt.Errorf("%w (and %v)", terr, err)
	}

	d.metrics.Dispatch(msg.Channel, "suppressed")
	d.publish(eventbus.DispatchDeduped, prev, sendErr)
	d.log.Info("duplicate failure suppressed",
		logx.String("tenant", prev.TenantID),
		logx.String("message", prev.ID),
		logx.String("template", prev.TemplateID),
		logx.Int("failures", count+1),
		logx.Err(sendErr),
	)
	return prev, terr
}

// recentFailure finds the FAILED record msg should fold into: the in-memory
// mark first, then the store so a restart inside the window still folds.
func (d *Dispatcher) recentFailure(ctx context.Context, msg *domain.Message, now time.Time, window time.Duration) (*domain.Message, error) {
	if mk, ok := d.marks[failKey(msg)]; ok && now.Before(mk.until) {
		prev, err := d.store.GetMessage(ctx, msg.TenantID, mk.messageID)
		if err == nil && !prev.Deleted && prev.Status == domain.StatusFailed {
			return prev, nil
		}
		delete(d.marks, failKey(msg))
	}
	prev, err := d.store.FindRecentFailed(ctx, msg.TenantID, msg.Recipient, msg.TemplateID, now.Add(-window))
	if err != nil || prev == nil {
		return nil, err
	}
	at := prev.UpdatedAt
	if n := len(prev.StatusHistory); n > 0 {
		at = prev.StatusHistory[n-1].Timestamp
	}
	d.marks[failKey(msg)] = failMark{messageID: prev.ID, until: at.Add(window)}
	return prev, nil
}

func (d *Dispatcher) pruneMarks(now time.Time) {
	for k, mk := range d.marks {
		if !now.Before(mk.until) {
			delete(d.marks, k)
		}
	}
}

func failKey(m *domain.Message) string {
	return m.TenantID + "\x00" + m.Recipient + "\x00" + m.TemplateID
}

func (d *Dispatcher) publish(typ string, msg *domain.Message, err error) {
	if d.bus == nil {
		return
	}
	data := map[string]string{
		"message":  msg.ID,
		"channel":  msg.Channel,
		"template": msg.TemplateID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, TenantID: msg.TenantID, Time: time.Now(), Data: data})
}
