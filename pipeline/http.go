package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"evalorchestrator.dev/blueprint"
)

// HTTPRunner submits a run to a remote pipeline service and polls for
// completion. The service is expected to accept POST {BaseURL}/runs
// and expose GET {BaseURL}/runs/{runLabel} returning {"status":
// "running"|"done"|"failed", "artifact": "..."}.
type HTTPRunner struct {
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
}

type httpRunStatus struct {
	Status   string `json:"status"`
	Artifact string `json:"artifact"`
	Error    string `json:"error"`
}

func (r *HTTPRunner) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r *HTTPRunner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return 5 * time.Second
}

func (r *HTTPRunner) Run(ctx context.Context, resolved blueprint.Resolved, opts RunOptions) (string, error) {
	body, err := blueprintJSON(resolved, opts)
	if err != nil {
		return "", err
	}

	submitURL := r.BaseURL + "/runs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submitting run: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("submitting run: unexpected status %d", resp.StatusCode)
	}

	statusURL := fmt.Sprintf("%s/runs/%s", r.BaseURL, resolved.RunLabel)
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			st, err := r.poll(ctx, statusURL)
			if err != nil {
				return "", err
			}
			switch st.Status {
			case "done":
				if st.Artifact == "" {
					return "", fmt.Errorf("run %s reported done with no artifact", resolved.RunLabel)
				}
				return st.Artifact, nil
			case "failed":
				return "", fmt.Errorf("run %s failed: %s", resolved.RunLabel, st.Error)
			}
		}
	}
}

func (r *HTTPRunner) poll(ctx context.Context, url string) (httpRunStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return httpRunStatus{}, fmt.Errorf("building poll request: %w", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return httpRunStatus{}, fmt.Errorf("polling run status: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpRunStatus{}, fmt.Errorf("reading poll response: %w", err)
	}
	var st httpRunStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return httpRunStatus{}, fmt.Errorf("decoding poll response: %w", err)
	}
	return st, nil
}
