// Package periodic provides a single-task fixed-rate scheduler with a
// two-phase (graceful, then forced) stop.
//
// # Overview
//
// A Scheduler owns exactly one Task for its whole lifetime. After Start, the
// task fires once per interval, measured from scheduled start times rather
// than completion times, so a slow run does not drift the long-run cadence.
// Firings never overlap: if a run overruns the interval, the next firing is
// queued for immediately after it completes.
//
// # Lifecycle
//
// A Scheduler moves Created -> Running -> Stopping -> Stopped, forward only.
// There is no restart: build a new Scheduler instead.
//
// Stop first bars any new firing, then waits up to the configured shutdown
// timeout for an in-flight run to finish naturally. If the run does not
// finish in time, its context is cancelled and the run is abandoned; the
// scheduler's own loop always terminates, even when the task ignores
// cancellation.
//
// # Observability
//
// Lifecycle and task outcomes are delivered through the caller-supplied
// Observer (OnFiring, OnTaskError, OnStopped). Task errors and panics are
// reported there and never interrupt the cadence. Observer callbacks run on
// the scheduler's goroutines and should return quickly.
package periodic
