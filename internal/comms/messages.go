package comms

import (
	"context"
	"fmt"
	"strings"

	"commagent/internal/dispatch"
	"commagent/internal/domain"
	"commagent/internal/storage"
	logx "commagent/pkg/logx"
)

// SubmitInbound validates msg, checks the tenant capability, stores it as
// RECEIVED and routes it. A routing failure is logged and the RECEIVED
// message is returned without error.
func (s *Service) SubmitInbound(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if msg == nil {
		return nil, domain.Invalid("message", "required")
	}
	if msg.Direction == "" {
		msg.Direction = domain.Inbound
	}
	if msg.Direction != domain.Inbound {
		return nil, domain.Invalid("direction", "must be inbound")
	}
	msg.Channel = strings.ToLower(strings.TrimSpace(msg.Channel))
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := s.requireAccess(ctx, msg.TenantID); err != nil {
		s.log.Warn("inbound rejected", logx.String("tenant", msg.TenantID), logx.Err(err))
		return nil, err
	}

	actor := msg.CounterpartyID
	if actor == "" {
		actor = "inbound"
	}
	if err := s.d.Tracker.Create(ctx, msg, actor, "received via "+msg.Channel); err != nil {
		return nil, err
	}
	if s.d.Router == nil {
		return msg, nil
	}
	routed, err := s.d.Router.Route(ctx, msg)
	if err != nil {
		s.log.Error("routing failed; message left RECEIVED",
			logx.String("tenant", msg.TenantID),
			logx.String("message", msg.ID),
			logx.Err(err),
		)
		return s.d.Store.GetMessage(ctx, msg.TenantID, msg.ID)
	}
	return routed, nil
}

func (s *Service) ListMessages(ctx context.Context, tenantID string, f storage.MessageFilter) ([]domain.Message, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Invalid("status", "unknown value "+string(f.Status))
	}
	if f.Direction != "" && !f.Direction.Valid() {
		return nil, domain.Invalid("direction", "must be inbound or outbound")
	}
	return s.d.Store.ListMessages(ctx, tenantID, f)
}

func (s *Service) GetMessage(ctx context.Context, tenantID, id string) (*domain.Message, error) {
	msg, err := s.d.Store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, domain.NotFound(storage.KindMessage, id)
	}
	return msg, nil
}

// Thread returns the conversation containing id, oldest first.
func (s *Service) Thread(ctx context.Context, tenantID, id string) ([]domain.Message, error) {
	return s.d.Store.Thread(ctx, tenantID, id)
}

// UpdateStatus sets any known status; transitions are not restricted.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, id string, status domain.Status, actor, note string) (*domain.Message, error) {
	return s.d.Tracker.Update(ctx, tenantID, id, status, actor, note)
}

// Reassign moves a message to another active user. Status is unchanged; the
// move is recorded as an audit note.
func (s *Service) Reassign(ctx context.Context, tenantID, id, userID, actor string) (*domain.Message, error) {
	msg, err := s.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	u, err := s.d.Store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, domain.Invalid("assignee", "user "+userID+" is inactive")
	}
	from := msg.AssignedTo
	if from == "" {
		from = "nobody"
	}
	msg.AssignedTo = u.ID
	if err := s.d.Tracker.Note(ctx, msg, actor, "reassigned from "+from+" to "+u.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReplyRequest is an outbound answer to an existing message.
type ReplyRequest struct {
	Subject string
	Body    string
	// Channel defaults to the parent's channel.
	Channel string
	Actor   string
}

// Reply sends an outbound child of parentID to the parent's counterparty.
// A parent still RECEIVED or ASSIGNED moves to IN_PROGRESS once the reply
// is sent. On transport failure the FAILED reply is returned with the error.
func (s *Service) Reply(ctx context.Context, tenantID, parentID string, req ReplyRequest) (*domain.Message, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, domain.Invalid("body", "required")
	}
	parent, err := s.GetMessage(ctx, tenantID, parentID)
	if err != nil {
		return nil, err
	}
	if parent.CounterpartyID == "" {
		return nil, domain.Invalid("parent", "message has no counterparty to reply to")
	}
	cp, err := s.d.Store.GetCounterparty(ctx, tenantID, parent.CounterpartyID)
	if err != nil {
		return nil, err
	}
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = parent.Channel
	}
	to := cp.Address(channel)
	if to == "" {
		return nil, domain.Invalid("channel", fmt.Sprintf("counterparty %s has no %s address", cp.ID, channel))
	}
	subject := req.Subject
	if subject == "" && parent.Subject != "" {
		subject = "Re: " + parent.Subject
	}

	reply, err := s.d.Dispatch.Dispatch(ctx, dispatch.Request{
		TenantID:       tenantID,
		ParentID:       parent.ID,
		CounterpartyID: cp.ID,
		Recipient:      to,
		Channel:        channel,
		Subject:        subject,
		Body:           req.Body,
		Actor:          req.Actor,
	})
	if err != nil {
		return reply, err
	}

	if parent.Status == domain.StatusReceived || parent.Status == domain.StatusAssigned {
		if err := s.d.Tracker.Transition(ctx, parent, domain.StatusInProgress, req.Actor, "reply "+reply.ID+" sent"); err != nil {
			s.log.Warn("parent status not updated after reply",
				logx.String("tenant", tenantID),
				logx.String("message", parent.ID),
				logx.Err(err),
			)
		}
	}
	return reply, nil
}

// DeleteMessage soft-deletes a message. It disappears from lists and
// threads but keeps its history.
func (s *Service) DeleteMessage(ctx context.Context, tenantID, id, actor string) error {
	msg, err := s.GetMessage(ctx, tenantID, id)
	if err != nil {
		return err
	}
	now := s.now()
	msg.Deleted = true
	msg.DeletedAt = &now
	return s.d.Tracker.Note(ctx, msg, actor, "deleted")
}
