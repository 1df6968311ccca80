package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "pulsed/pkg/logx"
)

func TestGoRecoversPanic(t *testing.T) {
	sup := New(context.Background(), WithLogger(logx.Nop()))
	sup.Go("boom", func(ctx context.Context) error {
		panic("kaput")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err == nil {
		t.Fatalf("expected panic to surface as supervisor error")
	}
}

func TestCancelOnError(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(ctx context.Context) error {
		return errors.New("broken")
	})

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor context not canceled after error")
	}
}

func TestGoRestartRetriesUntilCancel(t *testing.T) {
	var runs atomic.Int32
	sup := New(context.Background())
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Fatalf("expected at least 3 runs, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	sup := New(context.Background())
	block := make(chan struct{})
	sup.Go0("stuck", func(ctx context.Context) {
		<-block
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(block)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := sup.Wait(ctx2); err != nil {
		t.Fatalf("Wait after unblock: %v", err)
	}
}
