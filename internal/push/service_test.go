package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"octoagent/internal/registry"
	"octoagent/internal/remotecfg"
	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

type fakeStore struct {
	mu               sync.Mutex
	targets          []registry.Target
	removedTokens    []string
	removedTemporary int
}

func (s *fakeStore) All(ctx context.Context) ([]registry.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Target(nil), s.targets...), nil
}

func (s *fakeStore) Expired(ctx context.Context, now time.Time) ([]registry.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Target
	for _, t := range s.targets {
		if !t.ExpireAt.IsZero() && t.ExpireAt.Before(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, t registry.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	return nil
}

func (s *fakeStore) Remove(ctx context.Context, ts []registry.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range ts {
		for i, t := range s.targets {
			if t.PushToken == rm.PushToken && t.Kind == rm.Kind {
				s.targets = append(s.targets[:i], s.targets[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *fakeStore) RemoveByToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedTokens = append(s.removedTokens, token)
	return nil
}

func (s *fakeStore) RemoveTemporary(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedTemporary++
	return nil
}

func (s *fakeStore) EncryptionKey(ctx context.Context) (string, error) {
	return "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", nil
}

func (s *fakeStore) Close() error { return nil }

func newTestDispatcher(t *testing.T, store *fakeStore, url string) (*Dispatcher, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	remote := remotecfg.New("", clk, logx.Nop())
	d := NewDispatcher(store, remote, Options{
		PrinterName: "Voron",
		RatePerSec:  1000,
		DispatchURL: url,
		Clock:       clk,
	}, logx.Nop())
	return d, clk
}

func TestSendOnceDeliversToAndroid(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []deliveryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindAndroid, InstanceID: "dev1", PushToken: "tok-android"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	if err := d.sendOnce(context.Background(), EventStarted, State{PrintID: "p1", FileName: "benchy.gcode"}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if len(req.Targets) != 1 || req.Targets[0].PushToken != "tok-android" {
		t.Fatalf("unexpected targets: %+v", req.Targets)
	}
	if !req.HighPriority {
		t.Fatalf("start event must be high priority")
	}
	if req.AndroidData == nil || req.AndroidData == "" {
		t.Fatalf("expected android payload")
	}
}

func TestSendOnceSkipsWithoutTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	}))
	defer srv.Close()

	store := &fakeStore{}
	d, _ := newTestDispatcher(t, store, srv.URL)

	if err := d.sendOnce(context.Background(), EventStarted, State{}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}
}

func TestProgressGoesToActivitiesOnly(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []deliveryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindIosApp, InstanceID: "dev1", PushToken: "tok-app"},
		{Kind: registry.KindIosActivity, InstanceID: "dev1", PushToken: "tok-act"},
	}}
	d, clk := newTestDispatcher(t, store, srv.URL)

	// Mark a recent high push so the next progress is a background update.
	d.markHighProgressPush(clk.Now())
	clk.Advance(40 * time.Second)

	if err := d.sendOnce(context.Background(), EventProgress, State{ProgressPercent: 37}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.HighPriority {
		t.Fatalf("background update must not be high priority")
	}
	if len(req.Targets) != 1 || req.Targets[0].PushToken != "tok-act" {
		t.Fatalf("expected the activity target only, got %+v", req.Targets)
	}
}

func TestSuppressedProgressSendsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindIosActivity, InstanceID: "dev1", PushToken: "tok-act"},
	}}
	d, clk := newTestDispatcher(t, store, srv.URL)

	d.markHighProgressPush(clk.Now())
	clk.Advance(5 * time.Second)

	if err := d.sendOnce(context.Background(), EventProgress, State{ProgressPercent: 37}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}
}

func TestInvalidTokensArePruned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"invalidTokens":["tok-stale"]}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindAndroid, InstanceID: "dev1", PushToken: "tok-android"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	if err := d.sendOnce(context.Background(), EventStarted, State{}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.removedTokens) != 1 || store.removedTokens[0] != "tok-stale" {
		t.Fatalf("expected tok-stale removed, got %v", store.removedTokens)
	}
}

func TestPermanentErrorAbortsRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindAndroid, InstanceID: "dev1", PushToken: "tok-android"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	d.dispatch(context.Background(), job{id: "j1", event: EventPaused, state: State{}})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 call for a 4xx response, got %d", calls)
	}
}

func TestServerErrorRetriesUpToLimit(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindAndroid, InstanceID: "dev1", PushToken: "tok-android"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	d.dispatch(context.Background(), job{id: "j1", event: EventPaused, state: State{}})

	mu.Lock()
	defer mu.Unlock()
	if calls != DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("expected %d calls, got %d", DefaultRetryPolicy().MaxAttempts, calls)
	}
}

func TestTerminalEventRemovesTemporaryTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindAndroid, InstanceID: "dev1", PushToken: "tok-android"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	d.dispatch(context.Background(), job{id: "j1", event: EventDone, state: State{ProgressPercent: 95}})

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.removedTemporary != 1 {
		t.Fatalf("expected temporary targets removed once, got %d", store.removedTemporary)
	}
}

func TestDoneForcesFullProgress(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []deliveryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindIosActivity, InstanceID: "dev1", PushToken: "tok-act"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	if err := d.sendOnce(context.Background(), EventDone, State{ProgressPercent: 97}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	apns, ok := reqs[0].ApnsData.(map[string]any)
	if !ok {
		t.Fatalf("expected apns payload, got %T", reqs[0].ApnsData)
	}
	cs, ok := apns["content-state"].(map[string]any)
	if !ok {
		t.Fatalf("expected content-state, got %+v", apns)
	}
	if got := cs["progress"]; got != float64(100) {
		t.Fatalf("expected progress 100, got %v", got)
	}
	if apns["event"] != "end" {
		t.Fatalf("done must end the activity, got event %v", apns["event"])
	}
}

func TestStartSynthesizesAutoStartActivity(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []deliveryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindIosApp, InstanceID: "dev1", PushToken: "tok-app", ActivityAutoStartToken: "tok-auto"},
	}}
	d, _ := newTestDispatcher(t, store, srv.URL)

	if err := d.sendOnce(context.Background(), EventStarted, State{FilePath: "prints/benchy.gcode"}); err != nil {
		t.Fatalf("sendOnce: %v", err)
	}

	store.mu.Lock()
	var synthesized *registry.Target
	for i, tgt := range store.targets {
		if tgt.Kind == registry.KindIosActivity {
			synthesized = &store.targets[i]
		}
	}
	store.mu.Unlock()
	if synthesized == nil {
		t.Fatalf("expected a synthesized activity target")
	}
	if !synthesized.Temporary || synthesized.PushToken != "tok-auto" {
		t.Fatalf("unexpected synthesized target: %+v", synthesized)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	apns, ok := reqs[0].ApnsData.(map[string]any)
	if !ok {
		t.Fatalf("expected apns payload")
	}
	if apns["event"] != "start" || apns["attributes-type"] != "PrintActivityAttributes" {
		t.Fatalf("expected an activity start payload, got %+v", apns)
	}
}

func TestSweepExpiredActivities(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []deliveryRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, clk := newTestDispatcher(t, &fakeStore{}, srv.URL)
	store := &fakeStore{targets: []registry.Target{
		{Kind: registry.KindIosActivity, InstanceID: "dev1", PushToken: "tok-act", ExpireAt: clk.Now().Add(-time.Hour)},
		{Kind: registry.KindIosActivity, InstanceID: "dev2", PushToken: "tok-live", ExpireAt: clk.Now().Add(time.Hour)},
	}}
	d.store = store

	if err := d.SweepExpiredActivities(context.Background()); err != nil {
		t.Fatalf("SweepExpiredActivities: %v", err)
	}

	mu.Lock()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 end request, got %d", len(reqs))
	}
	req := reqs[0]
	mu.Unlock()
	if len(req.Targets) != 1 || req.Targets[0].PushToken != "tok-act" {
		t.Fatalf("expected only the expired target, got %+v", req.Targets)
	}
	if req.AndroidData != "none" {
		t.Fatalf("expected android data \"none\", got %v", req.AndroidData)
	}
	apns := req.ApnsData.(map[string]any)
	if apns["event"] != "end" {
		t.Fatalf("expected activity end, got %v", apns["event"])
	}
	cs := apns["content-state"].(map[string]any)
	if cs["state"] != "expired" {
		t.Fatalf("expected expired state, got %v", cs["state"])
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.targets) != 1 || store.targets[0].PushToken != "tok-live" {
		t.Fatalf("expected the live target to remain, got %+v", store.targets)
	}
}
