package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ruru/counselor-relay/internal/platform/telemetry/metrics"
	"github.com/ruru/counselor-relay/internal/services/relay/bus"
	"github.com/ruru/counselor-relay/internal/services/relay/pubsub"
)

// StatusListener rebroadcasts status events addressed to this process.
// Every instance sees every event; the rest are dropped as normal traffic.
type StatusListener struct {
	routingKey  string
	broadcaster pubsub.Publisher
	counters    *metrics.RelayCounters
}

// NewStatusListener builds a listener for identity.
func NewStatusListener(identity string, broadcaster pubsub.Publisher, counters *metrics.RelayCounters) (*StatusListener, error) {
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = DefaultIdentity
	}
	return &StatusListener{
		routingKey:  bus.CounselorRoutingKey(identity),
		broadcaster: broadcaster,
		counters:    counters,
	}, nil
}

// RoutingKey is the key this listener accepts.
func (l *StatusListener) RoutingKey() string {
	return l.routingKey
}

// Handle processes one delivery and reports whether it was rebroadcast.
func (l *StatusListener) Handle(ctx context.Context, delivery bus.Delivery) bool {
	if delivery.RoutingKey != l.routingKey {
		l.counters.RecordFiltered(ctx)
		return false
	}
	var event StatusEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		l.counters.RecordDiscard(ctx, "status_listener", reasonMalformed)
		log.Printf("relay: decode status event key=%q: %v", delivery.RoutingKey, err)
		return false
	}
	if err := l.broadcaster.Publish(ctx, pubsub.CounselorStatusTopic, event); err != nil {
		log.Printf("relay: broadcast status customer=%q: %v", event.CustomerID, err)
		return false
	}
	return true
}

// Run consumes queue until ctx ends, resubscribing after retryDelay
// whenever the stream drops.
func (l *StatusListener) Run(ctx context.Context, consumer bus.Consumer, queue string, retryDelay time.Duration) {
	bus.ConsumeLoop(ctx, consumer, queue, retryDelay, func(ctx context.Context, delivery bus.Delivery) {
		l.Handle(ctx, delivery)
	})
}
