package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Notifier delivers operator-facing alerts and reports.
type Notifier interface {
	SendAlert(ctx context.Context, alert models.Alert) error
	SendReport(ctx context.Context, report models.HealthReport) error
}

// WebhookNotifier posts structured JSON payloads to an administrator webhook
// (chat integration, paging bridge, or similar).
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier constructs a notifier for the configured endpoint.
func NewWebhookNotifier(cfg config.NotifyConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SendAlert delivers a single alert with its full context.
func (n *WebhookNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	payload := map[string]any{
		"kind":  "alert",
		"alert": alert,
	}
	return n.post(ctx, payload)
}

// SendReport delivers the daily system health report.
func (n *WebhookNotifier) SendReport(ctx context.Context, report models.HealthReport) error {
	payload := map[string]any{
		"kind":   "report",
		"report": report,
	}
	return n.post(ctx, payload)
}

func (n *WebhookNotifier) post(ctx context.Context, payload any) error {
	if n.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
