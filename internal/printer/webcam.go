package printer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"octoagent/pkg/logx"
)

// Snapshots larger than this are thrown out rather than shipped around.
const maxSnapshotBytes = 2 * 1024 * 1024

// HTTPWebcam fetches snapshots from a still-image URL, the way most mjpeg
// streamer setups expose one.
type HTTPWebcam struct {
	url    string
	client *http.Client
	log    logx.Logger
}

func NewHTTPWebcam(url string, log logx.Logger) *HTTPWebcam {
	return &HTTPWebcam{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (w *HTTPWebcam) Snapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSnapshotBytes {
		return nil, fmt.Errorf("snapshot: body exceeds %d bytes", maxSnapshotBytes)
	}
	return body, nil
}
