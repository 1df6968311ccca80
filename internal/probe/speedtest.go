package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"

	st "github.com/showwin/speedtest-go/speedtest"
)

// Thresholds defines what counts as a healthy link. Zero values disable the
// corresponding check; at least one must be set.
type Thresholds struct {
	MinDownloadMbps float64
	MinUploadMbps   float64
	MaxPingMs       float64
}

// SpeedtestChecker measures the link against the nearest speedtest server
// and fails when a threshold is violated. Checks are expensive; schedule
// them with long intervals.
type SpeedtestChecker struct {
	thresholds Thresholds
}

func NewSpeedtest(t Thresholds) (*SpeedtestChecker, error) {
	if t.MinDownloadMbps <= 0 && t.MinUploadMbps <= 0 && t.MaxPingMs <= 0 {
		return nil, errors.New("speedtest probe: at least one threshold is required")
	}
	return &SpeedtestChecker{thresholds: t}, nil
}

func (c *SpeedtestChecker) Check(ctx context.Context) error {
	// Per-run client: package-level speedtest helpers keep global state.
	client := st.New()
	defer func() {
		client.Snapshots().Clean()
		client.Reset()
	}()

	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return fmt.Errorf("speedtest probe: fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return errors.New("speedtest probe: no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	srv := servers[0]

	if err := srv.PingTestContext(ctx, nil); err != nil {
		return fmt.Errorf("speedtest probe: ping test: %w", err)
	}
	t := c.thresholds
	if t.MaxPingMs > 0 {
		if ping := float64(srv.Latency.Milliseconds()); ping > t.MaxPingMs {
			return fmt.Errorf("speedtest probe: ping %.0fms exceeds %.0fms", ping, t.MaxPingMs)
		}
	}

	if t.MinDownloadMbps > 0 {
		if err := srv.DownloadTestContext(ctx); err != nil {
			return fmt.Errorf("speedtest probe: download test: %w", err)
		}
		if got := srv.DLSpeed.Mbps(); got < t.MinDownloadMbps {
			return fmt.Errorf("speedtest probe: download %.1f Mbps below %.1f Mbps", got, t.MinDownloadMbps)
		}
	}

	if t.MinUploadMbps > 0 {
		if err := srv.UploadTestContext(ctx); err != nil {
			return fmt.Errorf("speedtest probe: upload test: %w", err)
		}
		if got := srv.ULSpeed.Mbps(); got < t.MinUploadMbps {
			return fmt.Errorf("speedtest probe: upload %.1f Mbps below %.1f Mbps", got, t.MinUploadMbps)
		}
	}

	return nil
}
