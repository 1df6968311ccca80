package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulsed/internal/config"
	periodic "pulsed/pkg/periodic"
)

// Checker is a single health check. Implementations must honor ctx so a
// forced scheduler stop can abandon a stuck check promptly.
type Checker interface {
	Check(ctx context.Context) error
}

// FromConfig builds the checker declared by cfg. The config is assumed to
// have passed config.Validate; missing fields still fail defensively.
func FromConfig(cfg config.ProbeConfig) (Checker, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Type)) {
	case "http":
		return NewHTTP(cfg.URL)
	case "tcp":
		return NewTCP(cfg.Address)
	case "speedtest":
		return NewSpeedtest(Thresholds{
			MinDownloadMbps: cfg.MinDownloadMbps,
			MinUploadMbps:   cfg.MinUploadMbps,
			MaxPingMs:       cfg.MaxPingMs,
		})
	default:
		return nil, fmt.Errorf("unknown probe type %q", cfg.Type)
	}
}

// Task adapts a checker to a scheduler task, applying the per-check timeout.
// A zero timeout disables the deadline.
func Task(c Checker, timeout time.Duration) periodic.Task {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return c.Check(ctx)
	}
}
