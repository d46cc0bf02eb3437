package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// WebhookPublisher POSTs events as JSON to a push provider endpoint.
type WebhookPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint, key string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev models.Event) error {
	ev.Ride = ev.Ride.Redacted()
	b, err := json.Marshal(map[string]any{"event": ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}

// LogPublisher writes events to the log. It is the fallback when no bus is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) Publish(_ context.Context, ev models.Event) error {
	l.Logger.Info("ride event", "kind", ev.Kind, "ride_id", ev.RideID, "status", ev.Status, "driver_id", ev.DriverID, "event_id", ev.ID)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.Event) error {
	var failed []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}
