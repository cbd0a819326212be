package transport

import (
	"context"
	"errors"
	"slices"
	"testing"

	logx "commagent/pkg/logx"
)

func TestMuxRoutesByChannel(t *testing.T) {
	t.Parallel()
	m := NewMux()
	var got []string
	m.Handle("Email", SenderFunc(func(ctx context.Context, env Envelope) error {
		got = append(got, "email:"+env.To)
		return nil
	}))
	m.Handle("sms", NewLogSender(logx.Nop()))

	if err := m.Send(context.Background(), Envelope{Channel: "EMAIL", To: "a@x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), Envelope{Channel: "sms", To: "+1"}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"email:a@x"}) {
		t.Fatalf("got = %v", got)
	}
	if err := m.Send(context.Background(), Envelope{Channel: "fax"}); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("err = %v", err)
	}
	if !slices.Equal(m.Channels(), []string{"email", "sms"}) || !m.Has("sms") {
		t.Fatalf("channels = %v", m.Channels())
	}
}
