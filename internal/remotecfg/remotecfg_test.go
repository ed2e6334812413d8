package remotecfg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

const validBody = `{
	"updatePercentModulus": 10,
	"highPrecisionRangeStart": 3,
	"highPrecisionRangeEnd": 7,
	"minIntervalSecs": 120,
	"sendNotificationUrl": "https://example.com/send"
}`

func TestHolderStartsWithDefaults(t *testing.T) {
	h := New("", clock.NewFake(time.Unix(1700000000, 0)), logx.Nop())
	cfg := h.Current()
	if cfg != Defaults() {
		t.Fatalf("expected defaults before any refresh, got %+v", cfg)
	}
}

func TestRefreshInstallsFetchedConfig(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(validBody))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(1700000000, 0))
	h := New(srv.URL, clk, logx.Nop())
	h.Refresh(context.Background())

	cfg := h.Current()
	if cfg.UpdatePercentModulus != 10 || cfg.MinIntervalSecs != 120 || cfg.DispatchURL != "https://example.com/send" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls.Load())
	}

	// Within the validity window a refresh is a no-op.
	clk.Advance(time.Hour)
	h.Refresh(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("valid cache must skip fetching, got %d calls", calls.Load())
	}

	clk.Advance(25 * time.Hour)
	h.Refresh(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("stale cache must refetch, got %d calls", calls.Load())
	}
}

func TestRefreshFailureFallsBackWithGrace(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(1700000000, 0))
	h := New(srv.URL, clk, logx.Nop())
	h.Refresh(context.Background())

	if h.Current() != Defaults() {
		t.Fatalf("failed fetch must install defaults, got %+v", h.Current())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls.Load())
	}

	// Inside the grace window the endpoint is left alone.
	clk.Advance(time.Minute)
	h.Refresh(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("refresh inside the grace window must not hit the server, got %d calls", calls.Load())
	}

	clk.Advance(10 * time.Minute)
	h.Refresh(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("expected a retry after the grace window, got %d calls", calls.Load())
	}
}

func TestRefreshRejectsInvalidShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"updatePercentModulus": 0}`))
	}))
	defer srv.Close()

	h := New(srv.URL, clock.NewFake(time.Unix(1700000000, 0)), logx.Nop())
	h.Refresh(context.Background())
	if h.Current() != Defaults() {
		t.Fatalf("invalid payload must fall back to defaults, got %+v", h.Current())
	}
}

func TestRefreshRejectsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	h := New(srv.URL, clock.NewFake(time.Unix(1700000000, 0)), logx.Nop())
	h.Refresh(context.Background())
	if h.Current() != Defaults() {
		t.Fatalf("bad JSON must fall back to defaults, got %+v", h.Current())
	}
}
