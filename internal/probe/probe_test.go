package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pulsed/internal/config"
)

func TestHTTPCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewHTTP(srv.URL + "/health")
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("healthy endpoint failed: %v", err)
	}

	healthy = false
	if err := c.Check(context.Background()); err == nil {
		t.Fatalf("expected failure on 503")
	}
}

func TestHTTPCheckHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewHTTP(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	if err := c.Check(ctx); err == nil {
		t.Fatalf("expected context deadline failure")
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("check ignored context, took %s", took)
	}
}

func TestHTTPInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a url", "/relative/only"} {
		if _, err := NewHTTP(raw); err == nil {
			t.Errorf("NewHTTP(%q): expected error", raw)
		}
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	c, err := NewTCP(ln.Addr().String())
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("open port reported unhealthy: %v", err)
	}

	addr := ln.Addr().String()
	ln.Close()
	c2, err := NewTCP(addr)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if err := c2.Check(context.Background()); err == nil {
		t.Fatalf("closed port reported healthy")
	}
}

func TestFromConfig(t *testing.T) {
	cases := []struct {
		cfg     config.ProbeConfig
		wantErr bool
	}{
		{config.ProbeConfig{Type: "http", URL: "https://example.com/health"}, false},
		{config.ProbeConfig{Type: "tcp", Address: "127.0.0.1:5432"}, false},
		{config.ProbeConfig{Type: "speedtest", MinDownloadMbps: 50}, false},
		{config.ProbeConfig{Type: "speedtest"}, true},
		{config.ProbeConfig{Type: "carrier-pigeon"}, true},
		{config.ProbeConfig{Type: "http"}, true},
	}
	for _, tc := range cases {
		_, err := FromConfig(tc.cfg)
		if tc.wantErr && err == nil {
			t.Errorf("FromConfig(%+v): expected error", tc.cfg)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("FromConfig(%+v): %v", tc.cfg, err)
		}
	}
}

func TestTaskAppliesTimeout(t *testing.T) {
	slow := checkerFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	task := Task(slow, 30*time.Millisecond)
	begin := time.Now()
	err := task(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("timeout not applied, took %s", took)
	}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Check(ctx context.Context) error { return f(ctx) }
