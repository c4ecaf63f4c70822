// Package notify delivers settlement event notifications to the main
// platform backend.
//
// Deliveries are fire-and-forget: signed, retried with backoff, and
// logged on failure. Settlement outcomes never depend on a notification
// landing.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agriconnect/settlement/internal/idgen"
	"github.com/agriconnect/settlement/internal/metrics"
	"github.com/agriconnect/settlement/internal/retry"
)

// Event is one settlement notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"` // e.g. escrow.released, escrow.refunded
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher sends signed event notifications to a single endpoint.
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	retries int
}

// NewDispatcher creates a dispatcher posting to url. An empty url
// disables delivery (demo mode).
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		retries: 3,
	}
}

// Notify queues an event for delivery and returns immediately.
// Implements escrow.Notifier.
func (d *Dispatcher) Notify(_ context.Context, eventType string, data map[string]any) {
	if d.url == "" {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	// Delivery outlives the request that triggered it.
	go d.send(context.Background(), event)
}

func (d *Dispatcher) send(ctx context.Context, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification delivery", "panic", fmt.Sprint(r))
		}
	}()

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshaling notification failed", "event_id", event.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	err = retry.Do(ctx, d.retries, time.Second, func() error {
		return d.post(ctx, event, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("notification delivery failed",
			"event_id", event.ID, "type", event.Type, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgriConnect-Event", event.Type)
	req.Header.Set("X-AgriConnect-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if d.secret != "" {
		req.Header.Set("X-AgriConnect-Signature", Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("notify: endpoint rejected event: status %d", resp.StatusCode))
	}
	return fmt.Errorf("notify: status %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
