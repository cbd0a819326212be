// Package route classifies inbound messages, assigns them to a tenant user
// and runs the best-effort follow-ups: assignee notification and the
// tenant's auto-response.
package route

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"commagent/internal/classify"
	"commagent/internal/dispatch"
	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/metrics"
	"commagent/internal/notifier"
	"commagent/internal/render"
	"commagent/internal/storage"
	"commagent/internal/tracker"
	logx "commagent/pkg/logx"
)

// Notifier is the assignee notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Dispatcher sends the auto-response. *dispatch.Dispatcher satisfies it.
type Dispatcher = fanout.Dispatcher

// Actor recorded on routing audit entries.
const Actor = "router"

type Router struct {
	store    *storage.Store
	tracker  *tracker.Tracker
	engine   *classify.Engine
	notifier Notifier
	dispatch Dispatcher
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
}

type Option func(*Router)

func WithNotifier(n Notifier) Option        { return func(r *Router) { r.notifier = n } }
func WithDispatcher(d Dispatcher) Option    { return func(r *Router) { r.dispatch = d } }
func WithBus(b eventbus.Bus) Option         { return func(r *Router) { r.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

func New(store *storage.Store, tr *tracker.Tracker, engine *classify.Engine, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if engine == nil {
		engine = classify.New(nil)
	}
	r := &Router{
		store:   store,
		tracker: tr,
		engine:  engine,
		log:     log.With(logx.String("comp", "route")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route classifies msg, assigns it and persists the ASSIGNED transition.
// Notification and auto-response run afterwards and never fail the call.
func (r *Router) Route(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg == nil {
		return nil, domain.Invalid("message", "required")
	}
	tenant, err := r.store.GetTenant(ctx, msg.TenantID)
	if err != nil {
		return msg, fmt.Errorf("load tenant: %w", err)
	}
	classifiers, err := r.store.ListClassifiers(ctx, msg.TenantID, true)
	if err != nil {
		return msg, fmt.Errorf("load classifiers: %w", err)
	}

	res := r.engine.Classify(classifyText(msg), classifiers, tenant.DefaultHandler)
	assignee := r.resolveAssignee(ctx, msg.TenantID, res, tenant.DefaultHandler)

	msg.Priority = classify.PriorityFor(res.Category, msg.Priority)
	msg.AssignedTo = ""
	if assignee != nil {
		msg.AssignedTo = assignee.ID
	}
	msg.SetMeta(domain.MetaCategory, res.Category)
	msg.SetMeta(domain.MetaScore, res.Score)

	if err := r.tracker.Transition(ctx, msg, domain.StatusAssigned, Actor, assignNote(assignee, res.Category)); err != nil {
		return msg, err
	}

	r.metrics.Classified(res.Category)
	r.publish(msg, res)
	r.log.Info("message routed",
		logx.String("tenant", msg.TenantID),
		logx.String("message", msg.ID),
		logx.String("category", res.Category),
		logx.Float64("score", res.Score),
		logx.String("assignee", msg.AssignedTo),
	)

	if assignee != nil {
		r.notifyAssignee(ctx, msg, assignee, res.Category)
	}
	if tenant.AutoResponse {
		r.autoRespond(ctx, tenant, msg, res.Category)
	}
	return msg, nil
}

// Classify is a dry run: it scores text against the tenant's active
// classifiers without touching any message.
func (r *Router) Classify(ctx context.Context, tenantID, text string) (classify.Result, []classify.Score, error) {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return classify.Result{}, nil, err
	}
	classifiers, err := r.store.ListClassifiers(ctx, tenantID, true)
	if err != nil {
		return classify.Result{}, nil, err
	}
	return r.engine.Classify(text, classifiers, tenant.DefaultHandler), r.engine.Scores(text, classifiers), nil
}

func classifyText(msg *domain.Message) string {
	if msg.Subject == "" {
		return msg.Content
	}
	return msg.Subject + "\n" + msg.Content
}

// resolveAssignee tries the classifier's default, then its alternatives in
// order, then the tenant default. Inactive or unknown users are skipped.
func (r *Router) resolveAssignee(ctx context.Context, tenantID string, res classify.Result, tenantDefault string) *domain.User {
	candidates := make([]string, 0, len(res.Alternatives)+2)
	candidates = append(candidates, res.AssigneeID)
	candidates = append(candidates, res.Alternatives...)
	candidates = append(candidates, tenantDefault)

	seen := map[string]bool{}
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		u, err := r.store.GetUser(ctx, tenantID, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.log.Warn("assignee lookup failed", logx.String("tenant", tenantID), logx.String("user", id), logx.Err(err))
			}
			continue
		}
		if !u.Active {
			r.log.Debug("assignee inactive; trying next", logx.String("tenant", tenantID), logx.String("user", id))
			continue
		}
		return u
	}
	return nil
}

func assignNote(u *domain.User, category string) string {
	if u == nil {
		return "unassigned; category " + category
	}
	name := u.Name
	if name == "" {
		name = u.ID
	}
	return "assigned to " + name + " (" + u.ID + "); category " + category
}

func (r *Router) notifyAssignee(ctx context.Context, msg *domain.Message, u *domain.User, category string) {
	if r.notifier == nil {
		return
	}
	channel, to := userAddress(u)
	if to == "" {
		r.log.Debug("assignee has no notification address", logx.String("tenant", msg.TenantID), logx.String("user", u.ID))
		return
	}
	subject := "New " + strings.ToLower(category) + " message assigned to you"
	text := fmt.Sprintf("Message %s via %s (priority %s)", msg.ID, msg.Channel, msg.Priority)
	if msg.Subject != "" {
		text += ": " + msg.Subject
	}
	err := r.notifier.Notify(ctx, notifier.Notification{
		TenantID:  msg.TenantID,
		UserID:    u.ID,
		MessageID: msg.ID,
		Channel:   channel,
		To:        to,
		Subject:   subject,
		Text:      text,
	})
	if err != nil {
		r.log.Warn("assignee notification failed",
			logx.String("tenant", msg.TenantID),
			logx.String("message", msg.ID),
			logx.String("user", u.ID),
			logx.Err(err),
		)
	}
}

// userAddress prefers the user's configured channel and address, falling
// back to email.
func userAddress(u *domain.User) (channel, to string) {
	if u.Channel != "" && u.Address != "" {
		return strings.ToLower(u.Channel), u.Address
	}
	if u.Email != "" {
		return domain.ChannelEmail, u.Email
	}
	return "", ""
}

func (r *Router) autoRespond(ctx context.Context, tenant *domain.Tenant, msg *domain.Message, category string) {
	log := r.log.With(logx.String("tenant", msg.TenantID), logx.String("message", msg.ID))
	if r.dispatch == nil {
		return
	}
	tpl, err := r.autoTemplate(ctx, tenant, category)
	if err != nil {
		log.Warn("auto-response template lookup failed", logx.Err(err))
		return
	}
	if tpl == nil {
		log.Debug("no auto-response template", logx.String("category", category))
		return
	}
	if msg.CounterpartyID == "" {
		log.Debug("auto-response skipped: message has no counterparty")
		return
	}
	cp, err := r.store.GetCounterparty(ctx, msg.TenantID, msg.CounterpartyID)
	if err != nil {
		log.Warn("auto-response counterparty lookup failed", logx.String("counterparty", msg.CounterpartyID), logx.Err(err))
		return
	}

	// Reply on the channel the message arrived on when possible.
	channel, to := msg.Channel, cp.Address(msg.Channel)
	if to == "" {
		channel, to = fanout.PickChannel(tpl, cp)
	}
	if to == "" {
		log.Info("auto-response skipped: counterparty has no address", logx.String("counterparty", cp.ID))
		return
	}

	subject, body := render.RenderTemplate(tpl, render.Context(cp, tenant, msg, nil, r.tracker.Now()))
	out, err := r.dispatch.Dispatch(ctx, dispatch.Request{
		TenantID:       msg.TenantID,
		TemplateID:     tpl.ID,
		ParentID:       msg.ID,
		CounterpartyID: cp.ID,
		Recipient:      to,
		Channel:        channel,
		Subject:        subject,
		Body:           body,
		Actor:          "auto-response",
	})
	if err != nil {
		log.Warn("auto-response failed", logx.String("template", tpl.ID), logx.Err(err))
		return
	}
	log.Info("auto-response sent", logx.String("template", tpl.ID), logx.String("reply", out.ID))
}

// autoTemplate picks the active AUTO_TRIGGER template for category, else the
// tenant default: DefaultAutoTemplateID when set, otherwise the template
// marked triggerConditions.default. nil means none applies.
func (r *Router) autoTemplate(ctx context.Context, tenant *domain.Tenant, category string) (*domain.Template, error) {
	tpls, err := r.store.ListTemplates(ctx, tenant.ID, storage.TemplateFilter{Type: domain.TemplateAutoTrigger, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range tpls {
		if strings.EqualFold(tpls[i].TriggerConditions.Category, category) && tpls[i].TriggerConditions.Category != "" {
			return &tpls[i], nil
		}
	}
	if id := tenant.DefaultAutoTemplateID; id != "" {
		for i := range tpls {
			if tpls[i].ID == id {
				return &tpls[i], nil
			}
		}
	}
	for i := range tpls {
		if tpls[i].TriggerConditions.Default {
			return &tpls[i], nil
		}
	}
	return nil, nil
}

func (r *Router) publish(msg *domain.Message, res classify.Result) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:     eventbus.MessageRouted,
		TenantID: msg.TenantID,
		Time:     time.Now(),
		Data: map[string]string{
			"message":    msg.ID,
			"category":   res.Category,
			"score":      strconv.FormatFloat(res.Score, 'f', -1, 64),
			"assignee":   msg.AssignedTo,
			"classifier": res.ClassifierID,
		},
	})
}
