package periodic

import "time"

// Observer receives scheduler lifecycle and task outcome events.
//
// Callbacks are invoked synchronously from the scheduler's goroutines and
// must not block for long; a slow observer delays subsequent firings.
type Observer interface {
	// OnFiring is called once at the start of every task execution.
	OnFiring(t time.Time)
	// OnTaskError is called once per failed execution (error or panic).
	OnTaskError(err error)
	// OnStopped is called exactly once when the scheduler reaches Stopped
	// after running; graceful reports whether in-flight work drained in time.
	OnStopped(graceful bool)
}

// FuncObserver adapts plain functions to Observer. Nil fields are skipped.
type FuncObserver struct {
	Firing    func(t time.Time)
	TaskError func(err error)
	Stopped   func(graceful bool)
}

func (o FuncObserver) OnFiring(t time.Time) {
	if o.Firing != nil {
		o.Firing(t)
	}
}

func (o FuncObserver) OnTaskError(err error) {
	if o.TaskError != nil {
		o.TaskError(err)
	}
}

func (o FuncObserver) OnStopped(graceful bool) {
	if o.Stopped != nil {
		o.Stopped(graceful)
	}
}

type nopObserver struct{}

func (nopObserver) OnFiring(time.Time) {}
func (nopObserver) OnTaskError(error)  {}
func (nopObserver) OnStopped(bool)     {}
