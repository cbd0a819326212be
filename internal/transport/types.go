// Package transport is the channel delivery contract: send(channel, to,
// subject, body). Concrete senders register per channel on a Mux.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrNoTransport = errors.New("no transport for channel")

// Envelope is one outbound delivery.
type Envelope struct {
	TenantID  string
	MessageID string
	Channel   string
	To        string
	Subject   string
	Body      string
}

type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SenderFunc adapts a plain function.
type SenderFunc func(ctx context.Context, env Envelope) error

func (f SenderFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Inbound is a message received on a channel that supports receiving.
type Inbound struct {
	Channel    string
	ChatID     int64
	From       string
	Username   string
	Text       string
	ReceivedAt time.Time
}

// Receiver delivers inbound messages to out until stopped.
type Receiver interface {
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
}
