package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "pulsed/pkg/logx"
)

// Task is the unit of work a Scheduler fires repeatedly.
//
// The context is cancelled when a forced stop abandons the run; tasks that
// want to be drained promptly should honor it. The returned error is
// reported to the Observer and never affects scheduling.
type Task func(ctx context.Context) error

// State is the scheduler lifecycle state. Transitions are forward-only.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Scheduler. All fields are fixed at construction.
type Options struct {
	// InitialDelay is the wait before the first firing. Must be >= 0.
	InitialDelay time.Duration
	// Interval spaces successive scheduled start times. Must be > 0.
	Interval time.Duration
	// ShutdownTimeout bounds how long Stop waits for an in-flight run
	// before forcing termination. Must be >= 0; 0 means force immediately.
	ShutdownTimeout time.Duration

	// Observer receives lifecycle and task outcome events. Optional.
	Observer Observer
	// Logger enables debug-level loop tracing. Optional.
	Logger logx.Logger
}

// firing is the shared handle for one in-flight execution. It is the only
// state the run loop and Stop exchange.
type firing struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the run (and its reporting) finished
}

// Scheduler runs one task at a fixed rate until stopped.
type Scheduler struct {
	task            Task
	initialDelay    time.Duration
	interval        time.Duration
	shutdownTimeout time.Duration

	obs Observer
	log logx.Logger

	mu    sync.Mutex
	state State
	cur   *firing // non-nil while an execution is in flight

	stopCh    chan struct{} // closed when a stop commits; bars new firings
	doneCh    chan struct{} // closed when the run loop exits
	stoppedCh chan struct{} // closed when the stop sequence fully completes
	graceful  bool          // valid once stoppedCh is closed
}

// New validates the schedule parameters and returns a Scheduler in the
// Created state. The task is never invoked before Start.
func New(task Task, opts Options) (*Scheduler, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task must not be nil", ErrInvalidConfig)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0 (got %s)", ErrInvalidConfig, opts.Interval)
	}
	if opts.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: initial delay must be >= 0 (got %s)", ErrInvalidConfig, opts.InitialDelay)
	}
	if opts.ShutdownTimeout < 0 {
		return nil, fmt.Errorf("%w: shutdown timeout must be >= 0 (got %s)", ErrInvalidConfig, opts.ShutdownTimeout)
	}

	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Scheduler{
		task:            task,
		initialDelay:    opts.InitialDelay,
		interval:        opts.Interval,
		shutdownTimeout: opts.ShutdownTimeout,
		obs:             obs,
		log:             opts.Logger,
		state:           StateCreated,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions Created -> Running and launches the run loop. Calling it
// in any other state fails with an ErrIllegalState error and has no side
// effects (no second loop is ever created).
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
		// proceed
	case StateRunning:
		return ErrAlreadyStarted
	default:
		return ErrStopped
	}
	s.state = StateRunning

	go s.run()

	if !s.log.IsZero() {
		s.log.Debug("scheduler started",
			logx.Duration("initial_delay", s.initialDelay),
			logx.Duration("interval", s.interval))
	}
	return nil
}

// run owns the timer and drives firings. It exits promptly once a stop
// commits, even if an abandoned task keeps running.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	// Deadlines advance from scheduled times, not completion times.
	next := time.Now().Add(s.initialDelay)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		f, ok := s.beginFiring()
		if !ok {
			// A stop committed between the timer firing and here.
			return
		}
		go s.fire(f)

		// Never start the next timer cycle while a run is in flight; this is
		// what keeps firings totally ordered and non-overlapping.
		select {
		case <-f.done:
		case <-s.stopCh:
			// Forced or interrupted stop: the in-flight run is abandoned and
			// becomes untracked. The loop still terminates unconditionally.
			return
		}

		next = next.Add(s.interval)
		wait := time.Until(next)
		if wait < 0 {
			// Overrun: fire again as soon as possible. The deadline stays
			// anchored so the long-run average cadence is preserved.
			wait = 0
		}
		timer.Reset(wait)
	}
}

// beginFiring atomically checks that no stop has committed and registers the
// new in-flight execution. This check-then-run is the one critical section
// shared with Stop.
func (s *Scheduler) beginFiring() (*firing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &firing{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.cur = f
	return f, true
}

// fire executes the task once and reports the outcome. It runs on its own
// goroutine so a stuck task can be abandoned without wedging the run loop.
func (s *Scheduler) fire(f *firing) {
	defer close(f.done)

	started := time.Now()
	s.obs.OnFiring(started)
	if !s.log.IsZero() {
		s.log.Trace("task firing", logx.Time("at", started))
	}

	err := s.runTask(f.ctx)
	f.cancel()

	s.mu.Lock()
	if s.cur == f {
		s.cur = nil
	}
	s.mu.Unlock()

	// A cancellation error only ever means the run was force-stopped; that
	// outcome is reported through OnStopped(false), not as a task failure.
	if err != nil && !errors.Is(err, context.Canceled) {
		s.obs.OnTaskError(err)
		if !s.log.IsZero() {
			s.log.Warn("task failed", logx.Err(err), logx.Duration("dur", time.Since(started)))
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			if !s.log.IsZero() {
				s.log.Error("panic in task", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}
	}()
	return s.task(ctx)
}

// Stop bars new firings, drains the in-flight run for up to the configured
// shutdown timeout, then forces termination. It reports whether the stop was
// graceful.
//
// Stopping a Created scheduler, or one already Stopping/Stopped, is a safe
// no-op that reports the (eventual) outcome instead of erroring; shutdown
// paths can call Stop unconditionally.
//
// If ctx is cancelled while waiting, the forced-stop sequence still completes
// and the call returns ErrShutdownInterrupted.
func (s *Scheduler) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		// Never ran; nothing to drain and no loop to wind down.
		s.state = StateStopped
		s.graceful = true
		close(s.stopCh)
		close(s.stoppedCh)
		s.mu.Unlock()
		return true, nil

	case StateStopped:
		g := s.graceful
		s.mu.Unlock()
		return g, nil

	case StateStopping:
		// Another stop is in flight; wait for its verdict.
		s.mu.Unlock()
		select {
		case <-s.stoppedCh:
			s.mu.Lock()
			g := s.graceful
			s.mu.Unlock()
			return g, nil
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %w", ErrShutdownInterrupted, ctx.Err())
		}
	}

	// Running: commit the stop. From here no new firing can begin.
	s.state = StateStopping
	close(s.stopCh)
	cur := s.cur
	s.mu.Unlock()

	if !s.log.IsZero() {
		s.log.Debug("stop requested", logx.Bool("in_flight", cur != nil))
	}

	graceful := true
	var werr error
	if cur != nil {
		timer := time.NewTimer(s.shutdownTimeout)
		select {
		case <-cur.done:
			// Drained naturally within the grace window.
		case <-timer.C:
			graceful = false
			cur.cancel()
		case <-ctx.Done():
			graceful = false
			cur.cancel()
			werr = fmt.Errorf("%w: %w", ErrShutdownInterrupted, ctx.Err())
		}
		timer.Stop()
	}

	// The loop never blocks on the task once stopCh is closed, so this wait
	// is prompt in every path and the timer goroutine is fully released.
	<-s.doneCh

	s.mu.Lock()
	s.state = StateStopped
	s.graceful = graceful
	s.mu.Unlock()

	s.obs.OnStopped(graceful)
	close(s.stoppedCh)

	if !s.log.IsZero() {
		s.log.Info("scheduler stopped", logx.Bool("graceful", graceful))
	}
	return graceful, werr
}
