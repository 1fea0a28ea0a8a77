// Package handler relays client payloads to local topics and the durable
// bus, and fans status events from the bus back into local topics.
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

// Application destinations routed to relay handlers.
const (
	ChatSendDestination        = "/app/chat.send"
	CustomerStatusDestination  = "/app/customer/status"
	CustomerRequestDestination = "/app/customer/request"
)

// Handler names used on the discard counter.
const (
	handlerChat         = "chat"
	handlerStatus       = "status"
	handlerQueueRequest = "queue_request"
	handlerRoute        = "route"
)

// Discard reasons.
const (
	reasonMalformed       = "malformed"
	reasonMissingRoomID   = "missing_room_id"
	reasonMissingCustomer = "missing_customer_id"
	reasonMissingStatus   = "missing_status"
	reasonInvalidStatus   = "invalid_status"
	reasonMissingName     = "missing_name"
	reasonUnknownRoute    = "unknown_destination"
)

// Config wires a Relay.
type Config struct {
	// Identity is this process's counselor identity; blank means "default".
	Identity    string
	Broadcaster pubsub.Publisher
	Bus         bus.Publisher
	Counters    *metrics.RelayCounters
	Now         func() time.Time
}

// DefaultIdentity is used when no identity is configured.
const DefaultIdentity = "default"

// Relay applies the chat, status, and queue-request relays. Malformed input
// is dropped and counted, never returned as an error.
type Relay struct {
	identity    string
	broadcaster pubsub.Publisher
	bus         bus.Publisher
	counters    *metrics.RelayCounters
	now         func() time.Time
}

// NewRelay validates cfg and builds a Relay.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus publisher is required")
	}
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		identity = DefaultIdentity
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Relay{
		identity:    identity,
		broadcaster: cfg.Broadcaster,
		bus:         cfg.Bus,
		counters:    cfg.Counters,
		now:         now,
	}, nil
}

// Identity returns the configured process identity.
func (r *Relay) Identity() string {
	return r.identity
}

// Route dispatches an /app destination to its handler. It reports whether
// the destination is known.
func (r *Relay) Route(ctx context.Context, destination string, body []byte) bool {
	switch destination {
	case ChatSendDestination:
		r.Chat(ctx, body)
	case CustomerStatusDestination:
		r.Status(ctx, body)
	case CustomerRequestDestination:
		r.QueueRequest(ctx, body)
	default:
		r.discard(ctx, handlerRoute, reasonUnknownRoute)
		return false
	}
	return true
}

// Chat broadcasts body to the room topic named by its roomId.
func (r *Relay) Chat(ctx context.Context, body []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		r.discard(ctx, handlerChat, reasonMalformed)
		return
	}
	if msg.RoomID == "" {
		r.discard(ctx, handlerChat, reasonMissingRoomID)
		return
	}
	r.broadcast(ctx, pubsub.ChatTopic(string(msg.RoomID)), body)
}

// QueueRequest broadcasts body to the counselor waiting topic.
func (r *Relay) QueueRequest(ctx context.Context, body []byte) {
	var req QueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		r.discard(ctx, handlerQueueRequest, reasonMalformed)
		return
	}
	switch {
	case req.CustomerID == "":
		r.discard(ctx, handlerQueueRequest, reasonMissingCustomer)
		return
	case req.Name == "":
		r.discard(ctx, handlerQueueRequest, reasonMissingName)
		return
	}
	r.broadcast(ctx, pubsub.CounselorWaitingTopic, body)
}

// Status stamps the event with the current time and publishes it to the
// status exchange under this process's routing key.
func (r *Relay) Status(ctx context.Context, body []byte) {
	var event StatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		r.discard(ctx, handlerStatus, reasonMalformed)
		return
	}
	switch {
	case event.CustomerID == "":
		r.discard(ctx, handlerStatus, reasonMissingCustomer)
		return
	case event.Status == "":
		r.discard(ctx, handlerStatus, reasonMissingStatus)
		return
	case !event.Status.Valid():
		r.discard(ctx, handlerStatus, reasonInvalidStatus)
		return
	}
	event.OccurredAt = r.now().UTC()

	routingKey := bus.CounselorRoutingKey(r.identity)
	if err := r.bus.Publish(ctx, bus.CustomerStatusExchange, routingKey, event); err != nil {
		log.Printf("relay: publish status customer=%q key=%q: %v", event.CustomerID, routingKey, err)
	}
}

func (r *Relay) broadcast(ctx context.Context, destination string, body []byte) {
	if err := r.broadcaster.Publish(ctx, destination, json.RawMessage(body)); err != nil {
		log.Printf("relay: broadcast %s: %v", destination, err)
	}
}

func (r *Relay) discard(ctx context.Context, handler string, reason string) {
	r.counters.RecordDiscard(ctx, handler, reason)
}
