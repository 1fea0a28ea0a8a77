package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruru/counselor-relay/internal/platform/telemetry/metrics"
	"github.com/ruru/counselor-relay/internal/platform/timeouts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerScope = "github.com/ruru/counselor-relay/relay/bus"

// maxInFlightPublishes caps publishes still running, including ones the
// caller already gave up on after the timeout.
const maxInFlightPublishes = 64

var (
	errPublisherUnavailable = errors.New("durable bus publisher is not configured")
	errPublishSaturated     = errors.New("too many publishes in flight")
)

// BestEffort wraps a Publisher with a hard time bound. The caller's
// cancellation is detached, so a publish started before a client
// disconnects still runs to completion or timeout on its own. When the
// publisher stalls, at most maxInFlightPublishes calls stay parked on it and
// further publishes fail at once.
type BestEffort struct {
	publisher Publisher
	timeout   time.Duration
	counters  *metrics.RelayCounters
	tracer    trace.Tracer
	inFlight  chan struct{}
}

// NewBestEffort wraps publisher. A non-positive timeout uses
// timeouts.BusPublish.
func NewBestEffort(publisher Publisher, timeout time.Duration, counters *metrics.RelayCounters) *BestEffort {
	if timeout <= 0 {
		timeout = timeouts.BusPublish
	}
	return &BestEffort{
		publisher: publisher,
		timeout:   timeout,
		counters:  counters,
		tracer:    otel.Tracer(tracerScope),
		inFlight:  make(chan struct{}, maxInFlightPublishes),
	}
}

// Publish returns once the underlying publish finishes or the bound
// elapses, whichever comes first. Errors are returned for the caller to log;
// they are already counted.
func (b *BestEffort) Publish(ctx context.Context, exchange string, routingKey string, payload any) error {
	if b == nil || b.publisher == nil {
		return errPublisherUnavailable
	}
	select {
	case b.inFlight <- struct{}{}:
	default:
		b.counters.RecordPublishRejected(ctx, exchange)
		return fmt.Errorf("publish to exchange %q key %q: %w", exchange, routingKey, errPublishSaturated)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
	defer span.End()

	done := make(chan error, 1)
	go func() {
		defer func() { <-b.inFlight }()
		done <- b.publisher.Publish(ctx, exchange, routingKey, payload)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.counters.RecordPublishFailure(ctx, exchange)
		return fmt.Errorf("publish to exchange %q key %q: %w", exchange, routingKey, err)
	}
	return nil
}
