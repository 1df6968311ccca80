package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "pulsed/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	sent  []string
	fail  int // fail this many sends before succeeding
	block chan struct{}
}

func (f *fakeSink) Send(ctx context.Context, text string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDeliversQueuedAlerts(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: true, RatePerMin: 6000}, sink, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	for _, text := range []string{"a down", "b down", "c down"} {
		if err := svc.Notify(context.Background(), text); err != nil {
			t.Fatalf("Notify(%q): %v", text, err)
		}
	}
	waitFor(t, func() bool { return len(sink.snapshot()) == 3 })
}

func TestRetriesTransientFailure(t *testing.T) {
	sink := &fakeSink{fail: 2}
	svc := New(Config{
		Enabled:    true,
		RatePerMin: 6000,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, sink, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), "flaky"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool {
		got := sink.snapshot()
		return len(got) == 1 && got[0] == "flaky"
	})
}

func TestQueueFullDrops(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	svc := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerMin: 6000}, sink, logx.Nop())
	svc.Start(context.Background())
	defer func() {
		close(sink.block)
		svc.Stop(context.Background())
	}()

	// First alert occupies the worker, second fills the queue.
	_ = svc.Notify(context.Background(), "one")
	_ = svc.Notify(context.Background(), "two")

	waitFor(t, func() bool {
		err := svc.Notify(context.Background(), "three")
		return errors.Is(err, ErrQueueFull)
	})
}

func TestDisabledRejectsNotify(t *testing.T) {
	svc := New(Config{}, &fakeSink{}, logx.Nop())
	svc.Start(context.Background())
	if err := svc.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: true, RatePerMin: 6000}, sink, logx.Nop())
	svc.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := svc.Notify(context.Background(), "drain me"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.Stop(ctx)

	if got := len(sink.snapshot()); got != 10 {
		t.Fatalf("expected 10 delivered after drain, got %d", got)
	}
	if err := svc.Notify(context.Background(), "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}
