package app

import (
	"context"
	"errors"
	"strconv"

	"commagent/internal/domain"
	"commagent/internal/transport"
	logx "commagent/pkg/logx"
)

func (a *App) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-a.inbound:
			a.handleInbound(ctx, in)
		}
	}
}

// handleInbound submits one received chat message for the configured tenant.
// The sender is matched to a counterparty by chat id; unknown senders are
// accepted without one. Errors are logged: there is no caller to return to.
func (a *App) handleInbound(ctx context.Context, in transport.Inbound) {
	log := a.log.With(logx.String("tenant", a.tgOwner), logx.String("channel", in.Channel))
	chatID := strconv.FormatInt(in.ChatID, 10)

	msg := &domain.Message{
		TenantID:  a.tgOwner,
		Channel:   in.Channel,
		Direction: domain.Inbound,
		Content:   in.Text,
	}
	if in.From != "" {
		msg.SetMeta("from", in.From)
	}
	if in.Username != "" {
		msg.SetMeta("username", in.Username)
	}
	msg.SetMeta("chatId", chatID)

	cps, err := a.store.ListCounterparties(ctx, a.tgOwner, true)
	if err != nil {
		log.Warn("counterparty lookup failed", logx.Err(err))
	}
	for i := range cps {
		if cps[i].ChatID == chatID {
			msg.CounterpartyID = cps[i].ID
			break
		}
	}

	out, err := a.comms.SubmitInbound(ctx, msg)
	switch {
	case errors.Is(err, domain.ErrAuthorization):
		log.Warn("inbound skipped: tenant lacks capability")
	case err != nil:
		log.Error("inbound rejected", logx.Err(err))
	default:
		log.Debug("inbound accepted",
			logx.String("message", out.ID),
			logx.String("counterparty", out.CounterpartyID),
			logx.String("status", string(out.Status)),
		)
	}
}
