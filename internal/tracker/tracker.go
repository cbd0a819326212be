// Package tracker owns a message's status and its append-only history.
//
// Any known status may be set at any time; every change appends exactly one
// entry and earlier entries are never touched.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/storage"
	logx "commagent/pkg/logx"
)

// Apply sets msg's status and appends one history entry. RESOLVED also
// records the resolver.
func Apply(msg *domain.Message, status domain.Status, actor, note string, now time.Time) error {
	if msg == nil {
		return domain.Invalid("message", "required")
	}
	if !status.Valid() {
		return domain.Invalid("status", "unknown value "+string(status))
	}
	now = now.UTC()
	msg.Status = status
	msg.StatusHistory = append(msg.StatusHistory, domain.StatusEntry{
		Status:    status,
		Timestamp: now,
		Actor:     actor,
		Note:      note,
	})
	if status == domain.StatusResolved {
		msg.ResolvedBy = actor
		t := now
		msg.ResolvedAt = &t
	}
	msg.UpdatedAt = now
	return nil
}

// Annotate appends an entry that repeats the current status.
func Annotate(msg *domain.Message, actor, note string, now time.Time) error {
	if msg == nil {
		return domain.Invalid("message", "required")
	}
	st := msg.Status
	if st == "" {
		st = domain.InitialStatus(msg.Direction)
	}
	now = now.UTC()
	msg.StatusHistory = append(msg.StatusHistory, domain.StatusEntry{Status: st, Timestamp: now, Actor: actor, Note: note})
	msg.UpdatedAt = now
	return nil
}

// Tracker applies status changes and persists them.
type Tracker struct {
	store *storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithBus(b eventbus.Bus) Option         { return func(t *Tracker) { t.bus = b } }

func New(store *storage.Store, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{store: store, log: log.With(logx.String("comp", "tracker")), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Now() time.Time { return t.now().UTC() }

// Create sets the initial status for msg's direction, records the creation
// entry and persists the message.
func (t *Tracker) Create(ctx context.Context, msg *domain.Message, actor, note string) error {
	if msg == nil {
		return domain.Invalid("message", "required")
	}
	if !msg.Direction.Valid() {
		return domain.Invalid("direction", "must be inbound or outbound")
	}
	// Create never overwrites: history and direction of a stored message
	// only change through Transition and Note.
	if msg.ID == "" {
		msg.ID = storage.NewID()
	} else if _, err := t.store.GetMessage(ctx, msg.TenantID, msg.ID); err == nil {
		return domain.Invalid("id", "message "+msg.ID+" already exists")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("check message id: %w", err)
	}
	now := t.Now()
	if msg.Priority == "" {
		msg.Priority = domain.PriorityMedium
	}
	msg.CreatedAt = now
	msg.StatusHistory = nil
	if err := Apply(msg, domain.InitialStatus(msg.Direction), actor, note, now); err != nil {
		return err
	}
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	t.publish(eventbus.MessageCreated, msg)
	return nil
}

// Transition applies a status change to an already loaded message and saves it.
func (t *Tracker) Transition(ctx context.Context, msg *domain.Message, status domain.Status, actor, note string) error {
	if err := Apply(msg, status, actor, note, t.Now()); err != nil {
		return err
	}
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	t.log.Debug("status changed",
		logx.String("tenant", msg.TenantID),
		logx.String("message", msg.ID),
		logx.String("status", string(status)),
		logx.String("actor", actor),
	)
	t.publish(eventbus.MessageStatus, msg)
	return nil
}

// Update loads a message, applies status and persists it.
func (t *Tracker) Update(ctx context.Context, tenantID, id string, status domain.Status, actor, note string) (*domain.Message, error) {
	if !status.Valid() {
		return nil, domain.Invalid("status", "unknown value "+string(status))
	}
	msg, err := t.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, domain.NotFound(storage.KindMessage, id)
	}
	if err := t.Transition(ctx, msg, status, actor, note); err != nil {
		return nil, err
	}
	return msg, nil
}

// Note appends an audit entry without changing status and persists it.
func (t *Tracker) Note(ctx context.Context, msg *domain.Message, actor, note string) error {
	if err := Annotate(msg, actor, note, t.Now()); err != nil {
		return err
	}
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	t.publish(eventbus.MessageNote, msg)
	return nil
}

func (t *Tracker) publish(typ string, msg *domain.Message) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{
		Type:     typ,
		TenantID: msg.TenantID,
		Data: map[string]string{
			"message": msg.ID,
			"status":  string(msg.Status),
		},
	})
}
