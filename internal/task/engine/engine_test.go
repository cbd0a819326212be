package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	logx "commagent/pkg/logx"
)

func started(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()
	task := Task{Name: "x", Run: func(context.Context) error { return nil }}
	if err := New(Config{}, logx.Nop(), nil).Enqueue(task); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	if err := New(Config{Enabled: true}, logx.Nop(), nil).Enqueue(task); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 2})
	release := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "fire", Key: "t1/tpl1", Run: func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v", err)
	}
	other := task
	other.Key = "t1/tpl2"
	if err := s.Enqueue(other); err != nil {
		t.Fatalf("other key should run: %v", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	if runs.Load() != 2 {
		t.Fatalf("runs = %d", runs.Load())
	}
	// Gate is released after completion.
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestTimeoutAndPanicRecorded(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("boom") }})

	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	h := s.Snapshot().History
	if h[0].Error != context.DeadlineExceeded.Error() {
		t.Fatalf("slow error = %q", h[0].Error)
	}
	if h[1].Error != "panic: boom" {
		t.Fatalf("panic error = %q", h[1].Error)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1})
	var flaky, permanent atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, Run: func(context.Context) error {
		if flaky.Add(1) < 3 {
			return errors.New("again")
		}
		return nil
	}})
	_ = s.Enqueue(Task{Name: "permanent", Opt: TaskOptions{RetryMax: 5, RetryBase: time.Millisecond}, Run: func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("bad template"))
	}})

	waitFor(t, func() bool { return len(s.Snapshot().History) == 2 })
	h := s.Snapshot().History
	if h[0].Error != "" || h[0].Attempts != 3 {
		t.Fatalf("flaky = %+v", h[0])
	}
	if permanent.Load() != 1 || h[1].Error != "bad template" {
		t.Fatalf("permanent runs=%d item=%+v", permanent.Load(), h[1])
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, HistorySize: 3})
	for i := 0; i < 6; i++ {
		task := Task{ID: fmt.Sprintf("n%d", i), Name: "n", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error { return nil }}
		if err := s.Submit(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		h := s.Snapshot().History
		return len(h) > 0 && h[len(h)-1].ID == "n5"
	})
	if h := s.Snapshot().History; len(h) != 3 || h[0].ID != "n3" {
		t.Fatalf("history = %+v", h)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for r := 1; r < 10; r++ {
		if d := backoffDelay(opt, r); d <= 0 || d > time.Second {
			t.Fatalf("retry %d delay %v", r, d)
		}
	}
}
