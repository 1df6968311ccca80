package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulsed/internal/eventbus"
	"pulsed/internal/history"
	"pulsed/internal/notify"
	logx "pulsed/pkg/logx"
)

// consumeEvents fans probe lifecycle events out to history and alerts.
// History writes are bounded so a slow disk can't back up the consumer.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case eventbus.KindRun:
				a.recordRun(ctx, e)
			case eventbus.KindError:
				a.log.Warn("probe check failed", logx.String("probe", e.Probe), logx.Err(e.Err))
				a.alert(ctx, fmt.Sprintf("probe %s failed: %v", e.Probe, e.Err))
			case eventbus.KindStopped:
				a.recordStop(ctx, e)
				if !e.Graceful {
					a.log.Warn("probe terminated forcibly", logx.String("probe", e.Probe))
					a.alert(ctx, fmt.Sprintf("probe %s did not drain in time and was terminated", e.Probe))
				}
			}
		}
	}
}

func (a *App) recordRun(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	errStr := ""
	if e.Err != nil {
		errStr = e.Err.Error()
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := a.store.AppendRun(wctx, history.Run{
		Probe:    e.Probe,
		Started:  e.Started,
		Duration: e.Duration,
		OK:       e.Err == nil,
		Error:    errStr,
	})
	if err != nil {
		a.log.Warn("history write failed", logx.String("probe", e.Probe), logx.Err(err))
	}
}

func (a *App) recordStop(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := a.store.AppendStop(wctx, e.Probe, e.Time, e.Graceful); err != nil {
		a.log.Warn("history write failed", logx.String("probe", e.Probe), logx.Err(err))
	}
}

func (a *App) alert(ctx context.Context, text string) {
	err := a.notif.Notify(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrDisabled):
	case errors.Is(err, notify.ErrStopped), errors.Is(err, context.Canceled):
	default:
		a.log.Debug("alert not delivered", logx.Err(err))
	}
}
