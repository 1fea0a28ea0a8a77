package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterScope = "github.com/ruru/counselor-relay/relay"

// Metric names.
const (
	PayloadDiscarded = "relay.payload.discarded"
	StatusFiltered   = "relay.status.filtered"
	PublishFailed    = "relay.publish.failed"
	PublishRejected  = "relay.publish.rejected"
)

// RelayCounters records relay drop, filter, and publish failure counts.
// A nil *RelayCounters is valid and records nothing.
type RelayCounters struct {
	discarded     metric.Int64Counter
	filtered      metric.Int64Counter
	publishFailed metric.Int64Counter
	rejected      metric.Int64Counter
}

// NewRelayCounters registers the relay counters on meter. A nil meter uses
// the global provider.
func NewRelayCounters(meter metric.Meter) (*RelayCounters, error) {
	if meter == nil {
		meter = otel.Meter(meterScope)
	}
	discarded, err := meter.Int64Counter(PayloadDiscarded,
		metric.WithDescription("Relay payloads dropped for missing or invalid fields."),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", PayloadDiscarded, err)
	}
	filtered, err := meter.Int64Counter(StatusFiltered,
		metric.WithDescription("Status events discarded because they were addressed to another instance."),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", StatusFiltered, err)
	}
	publishFailed, err := meter.Int64Counter(PublishFailed,
		metric.WithDescription("Best-effort durable bus publishes that failed."),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", PublishFailed, err)
	}
	rejected, err := meter.Int64Counter(PublishRejected,
		metric.WithDescription("Best-effort publishes refused because too many were already in flight."),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", PublishRejected, err)
	}
	return &RelayCounters{
		discarded:     discarded,
		filtered:      filtered,
		publishFailed: publishFailed,
		rejected:      rejected,
	}, nil
}

// RecordDiscard counts one dropped payload.
func (c *RelayCounters) RecordDiscard(ctx context.Context, handler string, reason string) {
	if c == nil {
		return
	}
	c.discarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("reason", reason),
	))
}

// RecordFiltered counts one status event addressed to another instance.
func (c *RelayCounters) RecordFiltered(ctx context.Context) {
	if c == nil {
		return
	}
	c.filtered.Add(ctx, 1)
}

// RecordPublishFailure counts one failed best-effort publish.
func (c *RelayCounters) RecordPublishFailure(ctx context.Context, exchange string) {
	if c == nil {
		return
	}
	c.publishFailed.Add(ctx, 1, metric.WithAttributes(exchangeAttr(exchange)))
}

// RecordPublishRejected counts one publish refused without being attempted.
func (c *RelayCounters) RecordPublishRejected(ctx context.Context, exchange string) {
	if c == nil {
		return
	}
	c.rejected.Add(ctx, 1, metric.WithAttributes(exchangeAttr(exchange)))
}

func exchangeAttr(exchange string) attribute.KeyValue {
	if exchange == "" {
		exchange = "(default)"
	}
	return attribute.String("exchange", exchange)
}
