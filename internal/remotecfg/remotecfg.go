// Package remotecfg caches the remotely served push tuning config.
//
// The service publishes thresholds that govern how often progress pushes go
// out. The cached copy is replaced atomically as a whole; readers never see a
// partially applied refresh.
package remotecfg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

const (
	DefaultConfigURL = "https://www.octoapp.eu/config/plugin.json"

	defaultDispatchURL = "https://europe-west1-octoapp-4e438.cloudfunctions.net/sendNotificationV2"

	// maxAge is how long a fetched config stays valid.
	maxAge = 24 * time.Hour
	// failureGrace delays the next fetch attempt after a failed one.
	failureGrace = 5 * time.Minute

	fetchTimeout = 15 * time.Second
)

// Config mirrors the JSON shape served by the config endpoint.
type Config struct {
	UpdatePercentModulus    int    `json:"updatePercentModulus"`
	HighPrecisionRangeStart int    `json:"highPrecisionRangeStart"`
	HighPrecisionRangeEnd   int    `json:"highPrecisionRangeEnd"`
	MinIntervalSecs         int    `json:"minIntervalSecs"`
	DispatchURL             string `json:"sendNotificationUrl"`
}

func Defaults() Config {
	return Config{
		UpdatePercentModulus:    5,
		HighPrecisionRangeStart: 5,
		HighPrecisionRangeEnd:   5,
		MinIntervalSecs:         300,
		DispatchURL:             defaultDispatchURL,
	}
}

// Holder is the process-wide cache. The zero value is not usable; use New.
type Holder struct {
	url    string
	client *http.Client
	clk    clock.Clock
	log    logx.Logger

	cur atomic.Pointer[Config]
	// validUntil is unix seconds after which the cache is stale.
	validUntil atomic.Int64
}

func New(url string, clk clock.Clock, log logx.Logger) *Holder {
	if url == "" {
		url = DefaultConfigURL
	}
	if clk == nil {
		clk = clock.System()
	}
	h := &Holder{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout},
		clk:    clk,
		log:    log,
	}
	def := Defaults()
	h.cur.Store(&def)
	return h
}

// Current returns the cached config. Never returns a zero config.
func (h *Holder) Current() Config {
	return *h.cur.Load()
}

// Refresh fetches a new config if the cached one is stale. On fetch failure
// the defaults are installed and the next attempt is allowed after a short
// grace period.
func (h *Holder) Refresh(ctx context.Context) {
	now := h.clk.Now()
	if now.Unix() < h.validUntil.Load() {
		h.log.Debug("remote config still valid")
		return
	}

	cfg, err := h.fetch(ctx)
	if err != nil {
		h.log.Warn("remote config fetch failed, using defaults", logx.Err(err))
		def := Defaults()
		h.cur.Store(&def)
		h.validUntil.Store(now.Add(failureGrace).Unix())
		return
	}

	h.cur.Store(cfg)
	h.validUntil.Store(now.Add(maxAge).Unix())
	h.log.Info("remote config refreshed",
		logx.Int("modulus", cfg.UpdatePercentModulus),
		logx.Int("min_interval_secs", cfg.MinIntervalSecs))
}

func (h *Holder) fetch(ctx context.Context) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, err
	}
	if cfg.UpdatePercentModulus <= 0 || cfg.MinIntervalSecs <= 0 || cfg.DispatchURL == "" {
		return nil, fmt.Errorf("config shape invalid: %+v", cfg)
	}
	return &cfg, nil
}
