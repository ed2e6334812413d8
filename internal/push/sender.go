package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"octoagent/internal/registry"
	"octoagent/pkg/logx"
)

const sendTimeout = 10 * time.Second

// StatusError reports a non-2xx response from the fanout service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response code %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying can't help (client errors).
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

type deliveryTarget struct {
	PushToken     string `json:"pushToken"`
	FallbackToken string `json:"fallbackToken,omitempty"`
	InstanceID    string `json:"instanceId"`
}

type deliveryRequest struct {
	Targets      []deliveryTarget `json:"targets"`
	HighPriority bool             `json:"highPriority"`
	AndroidData  any              `json:"androidData"`
	ApnsData     any              `json:"apnsData"`
}

type deliveryResponse struct {
	InvalidTokens []string `json:"invalidTokens"`
}

type sender struct {
	client      *http.Client
	limiter     *rate.Limiter
	urlOverride string
	log         logx.Logger
}

func newSender(ratePerSec int, urlOverride string, log logx.Logger) *sender {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &sender{
		client:      &http.Client{Timeout: sendTimeout},
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		urlOverride: urlOverride,
		log:         log,
	}
}

// post delivers one request body and returns the tokens the service reported
// as invalid.
func (s *sender) post(ctx context.Context, url string, req deliveryRequest) ([]string, error) {
	if s.urlOverride != "" {
		url = s.urlOverride
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var parsed deliveryResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// Delivery succeeded; a malformed body only costs token cleanup.
		s.log.Debug("fanout response not parseable", logx.Err(err))
		return nil, nil
	}
	return parsed.InvalidTokens, nil
}

// doSendNotification delivers one event to the resolved targets and prunes
// tokens the service reported invalid.
func (d *Dispatcher) doSendNotification(ctx context.Context, targets []registry.Target, highPriority bool, apnsData any, androidData any) error {
	if len(targets) == 0 {
		d.log.Debug("no targets, skipping send")
		return nil
	}

	req := deliveryRequest{
		HighPriority: highPriority,
		AndroidData:  androidData,
		ApnsData:     apnsData,
	}
	for _, t := range targets {
		req.Targets = append(req.Targets, deliveryTarget{
			PushToken:     t.PushToken,
			FallbackToken: t.FallbackToken,
			InstanceID:    t.InstanceID,
		})
	}

	invalid, err := d.sender.post(ctx, d.remote.Current().DispatchURL, req)
	if err != nil {
		return err
	}

	for _, token := range invalid {
		d.log.Info("removing invalid token", logx.String("token", token))
		if err := d.store.RemoveByToken(ctx, token); err != nil {
			d.log.Warn("failed to remove invalid token", logx.Err(err))
		}
	}
	return nil
}
