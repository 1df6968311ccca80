package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pulsed/internal/config"
	"pulsed/internal/eventbus"
	"pulsed/internal/probe"
	logx "pulsed/pkg/logx"
	"pulsed/pkg/periodic"
)

// probeRunner binds one probe config to one scheduler instance. Schedules
// are fixed for the instance's lifetime; a config change replaces the
// runner instead of mutating it.
type probeRunner struct {
	name  string
	spec  config.ProbeConfig
	sched *periodic.Scheduler
	grace time.Duration
}

func (a *App) buildRunner(spec config.ProbeConfig, globalShutdown time.Duration) (*probeRunner, error) {
	sch, err := spec.Schedule(globalShutdown)
	if err != nil {
		return nil, err
	}
	checker, err := probe.FromConfig(spec)
	if err != nil {
		return nil, err
	}

	name := spec.Name
	bus := a.bus
	task := probe.Task(checker, sch.Timeout)
	run := func(ctx context.Context) error {
		started := time.Now()
		err := task(ctx)
		// A run cut short by forced shutdown is not an outcome worth
		// recording; the stop verdict covers it.
		if !errors.Is(err, context.Canceled) {
			bus.Publish(eventbus.Event{
				Kind:     eventbus.KindRun,
				Probe:    name,
				Started:  started,
				Duration: time.Since(started),
				Err:      err,
			})
		}
		return err
	}

	log := a.log.With(logx.String("probe", name))
	obs := periodic.FuncObserver{
		Firing: func(at time.Time) {
			log.Debug("probe firing", logx.Time("scheduled", at))
		},
		TaskError: func(err error) {
			bus.Publish(eventbus.Event{Kind: eventbus.KindError, Probe: name, Err: err})
		},
		Stopped: func(graceful bool) {
			bus.Publish(eventbus.Event{Kind: eventbus.KindStopped, Probe: name, Graceful: graceful})
		},
	}

	sched, err := periodic.New(run, periodic.Options{
		InitialDelay:    sch.InitialDelay,
		Interval:        sch.Interval,
		ShutdownTimeout: sch.ShutdownTimeout,
		Observer:        obs,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	return &probeRunner{name: name, spec: spec, sched: sched, grace: sch.ShutdownTimeout}, nil
}

// applyProbes reconciles running schedulers with the config: new probes
// start, removed probes stop, changed probes are replaced. Builds everything
// before stopping anything so a bad probe config leaves the old set running.
func (a *App) applyProbes(cfg *config.Config) error {
	desired := make(map[string]config.ProbeConfig, len(cfg.Probes))
	for _, p := range cfg.Probes {
		desired[p.Name] = p
	}
	globalShutdown := cfg.GlobalShutdownTimeout()

	a.pmu.Lock()
	defer a.pmu.Unlock()

	var added []*probeRunner
	for name, spec := range desired {
		if cur, ok := a.probes[name]; ok && cur.spec == spec {
			continue
		}
		r, err := a.buildRunner(spec, globalShutdown)
		if err != nil {
			return err
		}
		added = append(added, r)
	}

	var stopped []*probeRunner
	for name, cur := range a.probes {
		spec, keep := desired[name]
		if keep && cur.spec == spec {
			continue
		}
		stopped = append(stopped, cur)
		delete(a.probes, name)
	}
	for _, r := range stopped {
		go a.stopRunner(r)
	}

	for _, r := range added {
		if err := r.sched.Start(); err != nil {
			return err
		}
		a.probes[r.name] = r
		a.log.Info("probe started",
			logx.String("probe", r.name),
			logx.String("type", r.spec.Type),
			logx.String("interval", r.spec.Interval))
	}
	return nil
}

// stopRunner drains one scheduler within its grace window plus slack for
// the stop bookkeeping itself.
func (a *App) stopRunner(r *probeRunner) {
	ctx, cancel := context.WithTimeout(context.Background(), r.grace+2*time.Second)
	defer cancel()
	graceful, err := r.sched.Stop(ctx)
	if err != nil {
		a.log.Warn("probe stop error", logx.String("probe", r.name), logx.Err(err))
		return
	}
	a.log.Info("probe stopped", logx.String("probe", r.name), logx.Bool("graceful", graceful))
}

// stopProbes drains all schedulers in parallel, bounded by ctx.
func (a *App) stopProbes(ctx context.Context) {
	a.pmu.Lock()
	runners := make([]*probeRunner, 0, len(a.probes))
	for _, r := range a.probes {
		runners = append(runners, r)
	}
	a.probes = map[string]*probeRunner{}
	a.pmu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *probeRunner) {
			defer wg.Done()
			graceful, err := r.sched.Stop(ctx)
			if err != nil {
				a.log.Warn("probe stop error", logx.String("probe", r.name), logx.Err(err))
				return
			}
			a.log.Info("probe stopped", logx.String("probe", r.name), logx.Bool("graceful", graceful))
		}(r)
	}
	wg.Wait()
}

func (a *App) runnerNames() []string {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	names := make([]string, 0, len(a.probes))
	for name := range a.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
