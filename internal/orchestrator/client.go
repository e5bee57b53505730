package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
)

// Worker describes one managed worker process as reported by the
// orchestrator.
type Worker struct {
	ID            string  `json:"id"`
	Queue         string  `json:"queue"`
	MemoryRSSMB   uint64  `json:"memory_rss_mb"`
	CPUPct        float64 `json:"cpu_pct"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Client wraps the worker orchestrator's management API: listing workers,
// restarting individual workers, and requesting pool scaling.
type Client struct {
	baseURL     string
	workersPath string
	restartPath string
	scalePath   string
	httpClient  *http.Client
}

// New constructs a client targeting the configured orchestrator instance.
func New(cfg config.OrchestratorConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		workersPath: cfg.WorkersPath,
		restartPath: cfg.RestartPath,
		scalePath:   cfg.ScalePath,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ListWorkers returns current worker processes and their resource usage.
func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("orchestrator base URL not configured")
	}

	var response struct {
		Workers []Worker `json:"workers"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.workersPath), &response); err != nil {
		return nil, fmt.Errorf("orchestrator workers request failed: %w", err)
	}
	return response.Workers, nil
}

// RestartWorker asks the orchestrator to recycle one worker process.
func (c *Client) RestartWorker(ctx context.Context, workerID string) error {
	if c.baseURL == "" {
		return fmt.Errorf("orchestrator base URL not configured")
	}
	payload := map[string]any{"worker_id": workerID}
	if err := c.postJSON(ctx, c.resolvePath(c.restartPath), payload, nil); err != nil {
		return fmt.Errorf("orchestrator restart request failed: %w", err)
	}
	return nil
}

// RequestScale asks for the named queue's worker pool to reach the given size.
// It is a request, not a guarantee; the orchestrator may apply its own caps.
func (c *Client) RequestScale(ctx context.Context, queueName string, workers int) error {
	if c.baseURL == "" {
		return fmt.Errorf("orchestrator base URL not configured")
	}
	payload := map[string]any{"queue": queueName, "workers": workers}
	if err := c.postJSON(ctx, c.resolvePath(c.scalePath), payload, nil); err != nil {
		return fmt.Errorf("orchestrator scale request failed: %w", err)
	}
	return nil
}

func (c *Client) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("orchestrator returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WithTimeout returns a derived context bounded by the client timeout, for
// callers holding a long-lived background context.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.httpClient.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
