package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "commagent/pkg/logx"
)

// Mux routes envelopes to the sender registered for their channel.
type Mux struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewMux() *Mux { return &Mux{senders: map[string]Sender{}} }

// Handle registers s for channel, replacing any previous sender.
func (m *Mux) Handle(channel string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[strings.ToLower(strings.TrimSpace(channel))] = s
}

func (m *Mux) Has(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.senders[strings.ToLower(channel)]
	return ok
}

func (m *Mux) Channels() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.senders))
	for ch := range m.senders {
		out = append(out, ch)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Mux) Send(ctx context.Context, env Envelope) error {
	m.mu.RLock()
	s := m.senders[strings.ToLower(env.Channel)]
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("%w: %q", ErrNoTransport, env.Channel)
	}
	return s.Send(ctx, env)
}

// LogSender writes envelopes to the log and reports success. It stands in
// for channels without a real transport.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "transport.log"))}
}

func (l *LogSender) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info("outbound message",
		logx.String("tenant", env.TenantID),
		logx.String("message", env.MessageID),
		logx.String("channel", env.Channel),
		logx.String("to", env.To),
		logx.String("subject", env.Subject),
		logx.Int("body_len", len(env.Body)),
	)
	return nil
}
