// Package ingest moves driver heartbeats through Kafka: the API publishes
// them and the consumer applies them to the availability registry.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// HeartbeatApplier records a driver location ping.
type HeartbeatApplier interface {
	Heartbeat(ctx context.Context, driverID string, loc models.Coord) (models.DriverRecord, error)
}

type Consumer struct {
	reader     MessageReader
	drivers    HeartbeatApplier
	logger     *slog.Logger
	maxAge     time.Duration
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

// NewConsumer builds a consumer. Heartbeats older than maxAge when read are
// skipped: applying them would mark a silent driver as fresh.
func NewConsumer(reader MessageReader, drivers HeartbeatApplier, maxAge time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		drivers:    drivers,
		logger:     logger,
		maxAge:     maxAge,
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
		now:        time.Now,
	}
}

// Run reads until ctx is done, backing off on read errors.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = c.backoff

		if err := c.Handle(ctx, m); err != nil {
			c.logger.Warn("heartbeat not applied", "key", string(m.Key), "offset", m.Offset, "err", err)
		}
	}
}

// Handle decodes and applies one message. Malformed, stale and rejected
// heartbeats are counted and returned as errors; none stop the loop.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	observability.HeartbeatsConsumed.Inc()
	var hb models.Heartbeat
	if err := json.Unmarshal(m.Value, &hb); err != nil {
		observability.HeartbeatsInvalid.Inc()
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if hb.DriverID == "" {
		observability.HeartbeatsInvalid.Inc()
		return fmt.Errorf("heartbeat without driver: %w", errs.ErrInvalidInput)
	}
	if c.maxAge > 0 && !hb.SentAt.IsZero() && c.now().Sub(hb.SentAt) > c.maxAge {
		observability.HeartbeatsInvalid.Inc()
		return fmt.Errorf("heartbeat from %s sent %s ago: %w", hb.DriverID, c.now().Sub(hb.SentAt).Round(time.Second), errs.ErrInvalidInput)
	}
	if _, err := c.drivers.Heartbeat(ctx, hb.DriverID, hb.Loc); err != nil {
		if errs.Business(err) {
			observability.HeartbeatsInvalid.Inc()
		}
		return err
	}
	return nil
}
