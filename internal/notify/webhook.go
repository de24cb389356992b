package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, keyed by the
// channel secret, when the channel has one.
const SignatureHeader = "X-Shopkeep-Signature"

// WebhookSender POSTs the JSON event to the channel target.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a WebhookSender. A nil client uses a client with
// a 10s timeout.
func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{client: client}
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, ch models.NotificationChannel, _ Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ch.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(ch.Secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
