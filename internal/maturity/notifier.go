package maturity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/models"
)

// WebhookNotifier POSTs notification payloads to a collaborator endpoint.
// With no URL configured it just logs the payload. Delivery is
// fire-and-forget; the manager logs failures and moves on.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewWebhookNotifier creates a notifier for the given endpoint URL. An empty
// URL makes it log-only.
func NewWebhookNotifier(url string, log *zap.Logger) *WebhookNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Deliver sends the notification payload. A non-2xx response counts as a
// delivery failure.
func (n *WebhookNotifier) Deliver(ctx context.Context, m models.MaturityNotification) error {
	if n.url == "" {
		n.log.Info("maturity notification",
			zap.Int64("notification", m.ID),
			zap.Int64("order", m.OrderID),
			zap.String("fund", m.FundID),
			zap.Time("maturity_date", m.MaturityDate))
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
