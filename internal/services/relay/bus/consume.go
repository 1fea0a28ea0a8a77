package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ruru/counselor-relay/internal/platform/timeouts"
)

// DeclaringConsumer is what DeclareBeforeConsume needs from a bus.
type DeclaringConsumer interface {
	Declarer
	Consumer
}

type declaringConsumer struct {
	bus      DeclaringConsumer
	topology Topology
}

// DeclareBeforeConsume returns a Consumer that declares topology on every
// subscription, including resubscriptions after a dropped connection.
func DeclareBeforeConsume(b DeclaringConsumer, topology Topology) Consumer {
	return declaringConsumer{bus: b, topology: topology}
}

func (c declaringConsumer) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	declareCtx, cancel := context.WithTimeout(ctx, timeouts.BusDial)
	defer cancel()
	if err := c.bus.Declare(declareCtx, c.topology); err != nil {
		return nil, fmt.Errorf("declare before consuming %q: %w", queue, err)
	}
	return c.bus.Consume(ctx, queue)
}

// ConsumeLoop feeds every delivery from queue to handle until ctx ends. When
// the stream cannot be opened or closes underneath it, the loop waits
// retryDelay and subscribes again.
func ConsumeLoop(ctx context.Context, consumer Consumer, queue string, retryDelay time.Duration, handle func(context.Context, Delivery)) {
	if consumer == nil || handle == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := consumer.Consume(ctx, queue)
		if err != nil {
			log.Printf("relay: consume queue %q: %v", queue, err)
			if !waitRetry(ctx, retryDelay) {
				return
			}
			continue
		}

		for delivery := range deliveries {
			handle(ctx, delivery)
		}

		if !waitRetry(ctx, retryDelay) {
			return
		}
	}
}

func waitRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
