package periodic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "pulsed/pkg/logx"
)

// recorder is a test Observer collecting callbacks under a lock.
type recorder struct {
	mu      sync.Mutex
	firings []time.Time
	errs    []error
	stopped []bool
}

func (r *recorder) OnFiring(t time.Time) {
	r.mu.Lock()
	r.firings = append(r.firings, t)
	r.mu.Unlock()
}

func (r *recorder) OnTaskError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) OnStopped(graceful bool) {
	r.mu.Lock()
	r.stopped = append(r.stopped, graceful)
	r.mu.Unlock()
}

func (r *recorder) firingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.firings)
}

func (r *recorder) waitFirings(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.firingCount() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d firings, got %d", n, r.firingCount())
}

func noopTask(ctx context.Context) error { return nil }

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name string
		task Task
		opts Options
	}{
		{"nil task", nil, Options{Interval: time.Second}},
		{"zero interval", noopTask, Options{Interval: 0}},
		{"negative interval", noopTask, Options{Interval: -time.Second}},
		{"negative delay", noopTask, Options{Interval: time.Second, InitialDelay: -1}},
		{"negative shutdown timeout", noopTask, Options{Interval: time.Second, ShutdownTimeout: -1}},
	}
	for _, tc := range cases {
		if _, err := New(tc.task, tc.opts); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}

	s, err := New(noopTask, Options{Interval: time.Second})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if got := s.State(); got != StateCreated {
		t.Fatalf("expected created state, got %s", got)
	}
}

func TestStartTwice(t *testing.T) {
	rec := &recorder{}
	s, err := New(noopTask, Options{Interval: 20 * time.Millisecond, Observer: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: expected ErrAlreadyStarted, got %v", err)
	}
	if !errors.Is(s.Start(), ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState family")
	}
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop: expected ErrStopped, got %v", err)
	}
}

func TestFixedRateTiming(t *testing.T) {
	const (
		initialDelay = 50 * time.Millisecond
		interval     = 60 * time.Millisecond
	)
	rec := &recorder{}
	s, err := New(noopTask, Options{
		InitialDelay:    initialDelay,
		Interval:        interval,
		ShutdownTimeout: time.Second,
		Observer:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFirings(t, 4, 2*time.Second)
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	firings := append([]time.Time(nil), rec.firings...)
	rec.mu.Unlock()

	// First firing no earlier than the initial delay (small scheduling slack).
	if got := firings[0].Sub(start); got < initialDelay-5*time.Millisecond {
		t.Fatalf("first firing after %s, want >= %s", got, initialDelay)
	}
	// Spacing anchored to scheduled starts, not completions.
	for i := 1; i < 4; i++ {
		gap := firings[i].Sub(firings[i-1])
		if gap < interval-15*time.Millisecond {
			t.Fatalf("firing %d only %s after previous, want ~%s", i, gap, interval)
		}
	}
}

func TestFiringsNeverOverlap(t *testing.T) {
	var active, maxActive, runs int64
	task := func(ctx context.Context) error {
		n := atomic.AddInt64(&active, 1)
		if n > atomic.LoadInt64(&maxActive) {
			atomic.StoreInt64(&maxActive, n)
		}
		atomic.AddInt64(&runs, 1)
		// Overrun the interval on purpose.
		time.Sleep(70 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return nil
	}
	s, err := New(task, Options{Interval: 20 * time.Millisecond, ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := atomic.LoadInt64(&maxActive); got != 1 {
		t.Fatalf("observed %d concurrent executions, want exactly 1", got)
	}
	if got := atomic.LoadInt64(&runs); got < 2 {
		t.Fatalf("expected overrunning task to keep firing, got %d runs", got)
	}
}

func TestTaskErrorDoesNotStopScheduling(t *testing.T) {
	boom := errors.New("probe down")
	var calls int64
	task := func(ctx context.Context) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			return boom
		}
		return nil
	}
	rec := &recorder{}
	s, err := New(task, Options{Interval: 15 * time.Millisecond, Observer: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFirings(t, 3, 2*time.Second)
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("expected exactly 1 task error, got %d", len(rec.errs))
	}
	if !errors.Is(rec.errs[0], boom) {
		t.Fatalf("unexpected task error: %v", rec.errs[0])
	}
}

func TestTaskPanicReported(t *testing.T) {
	var calls int64
	task := func(ctx context.Context) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("kaboom")
		}
		return nil
	}
	rec := &recorder{}
	s, err := New(task, Options{Interval: 15 * time.Millisecond, Observer: rec, Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFirings(t, 2, 2*time.Second)
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("expected 1 reported panic, got %d errors", len(rec.errs))
	}
}

func TestStopIdleIsImmediatelyGraceful(t *testing.T) {
	rec := &recorder{}
	s, err := New(noopTask, Options{
		InitialDelay:    10 * time.Millisecond,
		Interval:        500 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Observer:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFirings(t, 1, time.Second)
	time.Sleep(20 * time.Millisecond) // let the instant task finish

	begin := time.Now()
	graceful, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !graceful {
		t.Fatalf("expected graceful stop with nothing in flight")
	}
	if took := time.Since(begin); took > 100*time.Millisecond {
		t.Fatalf("idle Stop took %s, expected immediate return", took)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopped) != 1 || !rec.stopped[0] {
		t.Fatalf("expected exactly one OnStopped(true), got %v", rec.stopped)
	}
}

func TestStopDrainsInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	task := func(ctx context.Context) error {
		started <- struct{}{}
		time.Sleep(60 * time.Millisecond)
		return nil
	}
	rec := &recorder{}
	s, err := New(task, Options{
		Interval:        time.Second,
		ShutdownTimeout: 2 * time.Second,
		Observer:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	begin := time.Now()
	graceful, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !graceful {
		t.Fatalf("expected graceful stop when run finishes within the timeout")
	}
	if took := time.Since(begin); took < 30*time.Millisecond {
		t.Fatalf("Stop returned after %s, expected it to wait for the run", took)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopped) != 1 || !rec.stopped[0] {
		t.Fatalf("expected exactly one OnStopped(true), got %v", rec.stopped)
	}
}

func TestStopForcesAfterTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	task := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	rec := &recorder{}
	s, err := New(task, Options{
		Interval:        time.Second,
		ShutdownTimeout: 50 * time.Millisecond,
		Observer:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	begin := time.Now()
	graceful, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if graceful {
		t.Fatalf("expected forced stop")
	}
	took := time.Since(begin)
	if took < 40*time.Millisecond || took > 500*time.Millisecond {
		t.Fatalf("forced Stop took %s, want approximately the 50ms timeout", took)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopped) != 1 || rec.stopped[0] {
		t.Fatalf("expected exactly one OnStopped(false), got %v", rec.stopped)
	}
	// The abandoned run's cancellation must not surface as a task failure.
	if len(rec.errs) != 0 {
		t.Fatalf("unexpected task errors on forced stop: %v", rec.errs)
	}
}

func TestStopInterruptedByCaller(t *testing.T) {
	started := make(chan struct{}, 1)
	task := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	rec := &recorder{}
	s, err := New(task, Options{
		Interval:        time.Second,
		ShutdownTimeout: 5 * time.Second,
		Observer:        rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	graceful, err := s.Stop(ctx)
	if !errors.Is(err, ErrShutdownInterrupted) {
		t.Fatalf("expected ErrShutdownInterrupted, got %v", err)
	}
	if graceful {
		t.Fatalf("interrupted stop must report forced")
	}
	// The forced-stop sequence still completed.
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopped) != 1 || rec.stopped[0] {
		t.Fatalf("expected exactly one OnStopped(false), got %v", rec.stopped)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	// Stop before Start: safe no-op, scheduler ends up Stopped.
	s, err := New(noopTask, Options{Interval: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	graceful, err := s.Stop(context.Background())
	if err != nil || !graceful {
		t.Fatalf("Stop on created scheduler: got (%v, %v), want (true, nil)", graceful, err)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	// Repeated Stop after running: same verdict, single OnStopped.
	rec := &recorder{}
	s2, err := New(noopTask, Options{Interval: 10 * time.Millisecond, Observer: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFirings(t, 1, time.Second)
	g1, err := s2.Stop(context.Background())
	if err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	g2, err := s2.Stop(context.Background())
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if g1 != g2 {
		t.Fatalf("repeated Stop changed verdict: %v then %v", g1, g2)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopped) != 1 {
		t.Fatalf("OnStopped called %d times, want 1", len(rec.stopped))
	}
}

func TestConcurrentStops(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	task := func(ctx context.Context) error {
		started <- struct{}{}
		<-block
		return nil
	}
	s, err := New(task, Options{Interval: time.Second, ShutdownTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			g, err := s.Stop(context.Background())
			if err != nil {
				t.Errorf("Stop: %v", err)
			}
			results <- g
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)

	a, b := <-results, <-results
	if a != b {
		t.Fatalf("concurrent Stops disagreed: %v vs %v", a, b)
	}
	if !a {
		t.Fatalf("expected graceful verdict, run finished well inside the timeout")
	}
}
