package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// WebhookAlerter delivers alerts as signed JSON POSTs to a configured
// endpoint. Delivery happens in a background goroutine with retries; the
// raising caller is never blocked.
type WebhookAlerter struct {
	url        string
	secret     string
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewWebhookAlerter creates a WebhookAlerter posting to url. The secret is
// used to HMAC-SHA256 sign each payload.
func NewWebhookAlerter(url, secret string, logger *zap.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (a *WebhookAlerter) SetMetricsRecorder(fn MetricsRecorder) {
	a.onMetrics = fn
}

// Raise implements Alerter.
func (a *WebhookAlerter) Raise(_ context.Context, kind string, blockSeq int64, detail string) {
	alert := Alert{
		ID:       uuid.New(),
		Kind:     kind,
		BlockSeq: blockSeq,
		Detail:   detail,
		RaisedAt: time.Now().UTC(),
	}
	go a.deliver(alert)
}

// deliver posts the alert with retries. Retry delays: 1s, 5s, 25s.
func (a *WebhookAlerter) deliver(alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		a.logger.Error("alert webhook: marshal", zap.Error(err))
		return
	}
	signature := signPayload(body, a.secret)

	delays := []time.Duration{0, 1 * time.Second, 5 * time.Second, 25 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			time.Sleep(delays[attempt])
		}

		if a.post(body, signature) {
			if a.onMetrics != nil {
				a.onMetrics(true)
			}
			return
		}

		a.logger.Warn("alert webhook: delivery failed",
			zap.String("url", a.url),
			zap.String("kind", alert.Kind),
			zap.Int("attempt", attempt),
		)
	}
	if a.onMetrics != nil {
		a.onMetrics(false)
	}
}

func (a *WebhookAlerter) post(body []byte, signature string) bool {
	req, err := http.NewRequest(http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-VeriSeal-Signature", signature)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// signPayload computes the hex HMAC-SHA256 of body under secret.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
