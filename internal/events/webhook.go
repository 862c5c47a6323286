package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

const (
	webhookAttempts = 3
	webhookBackoff  = 200 * time.Millisecond
)

// Webhook headers.
const (
	HeaderEvent     = "X-Tierroute-Event"
	HeaderSignature = "X-Tierroute-Signature"
)

// WebhookSink posts each event as JSON to a URL, optionally signed with
// HMAC-SHA256 over the body.
type WebhookSink struct {
	url    string
	secret string
	doer   transport.Doer
}

// NewWebhookSink returns a sink posting to url through doer.
func NewWebhookSink(url, secret string, doer transport.Doer) *WebhookSink {
	return &WebhookSink{url: url, secret: secret, doer: doer}
}

// Name returns "webhook".
func (s *WebhookSink) Name() string { return "webhook" }

// Emit posts ev, retrying non-2xx and transport failures.
func (s *WebhookSink) Emit(ctx context.Context, ev models.RouteEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * webhookBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("webhook: %w", ctx.Err())
			case <-t.C:
			}
		}
		if lastErr = s.post(ctx, ev, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookAttempts, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, ev models.RouteEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tierroute-webhook/1.0")
	req.Header.Set(HeaderEvent, ev.Event)
	req.Header.Set("X-Request-Id", ev.RequestID)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, body))
	}

	resp, err := s.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
