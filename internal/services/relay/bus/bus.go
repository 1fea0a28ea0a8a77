// Package bus is the relay's durable message bus boundary: topology names,
// the publish/consume contract, an AMQP implementation, and an in-memory
// topic exchange for single-process runs.
package bus

import (
	"context"
	"slices"
	"strings"
)

// Topology names shared by every relay instance.
const (
	// DefaultExchange routes directly to the queue named by the routing key.
	DefaultExchange = ""

	PreSendQueue  = "ws.presend"
	PostSendQueue = "ws.postsend"

	CustomerStatusExchange = "customer.status.exchange"
	CustomerStatusQueue    = "customer.status.all"
	CounselorKeyPrefix     = "counselor."
	CounselorKeyPattern    = "counselor.*"

	ChatExchange   = "chat.exchange"
	ChatAuditQueue = "chat.audit"
	ChatKeyPattern = "room.*"
)

// ExchangeKindTopic is the AMQP topic exchange type.
const ExchangeKindTopic = "topic"

// CounselorRoutingKey is the status routing key owned by identity.
func CounselorRoutingKey(identity string) string {
	return CounselorKeyPrefix + identity
}

// StatusQueueName returns the queue the status listener consumes. An
// explicit override wins; otherwise each identity gets its own queue so
// every instance sees every status event.
func StatusQueueName(identity string, override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return CustomerStatusQueue + "." + identity
}

// Delivery is one message received from a queue.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Publisher writes a JSON-encoded payload to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange string, routingKey string, payload any) error
}

// Consumer streams deliveries from a queue. The channel closes when ctx ends
// or the underlying connection drops.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Declarer creates exchanges, queues, and bindings. Declaring the same
// topology again must be harmless.
type Declarer interface {
	Declare(ctx context.Context, topology Topology) error
}

// Bus is a durable message bus.
type Bus interface {
	Publisher
	Consumer
	Declarer
	Close() error
}

// Exchange declares a named exchange.
type Exchange struct {
	Name string
	Kind string
}

// Queue declares a named queue.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
}

// Binding routes keys matching Pattern from Exchange into Queue.
type Binding struct {
	Queue    string
	Exchange string
	Pattern  string
}

// Topology is the full set of declarations a relay instance needs.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DefaultTopology declares audit queues, the status exchange with the
// instance's status queue, and the chat audit exchange.
func DefaultTopology(statusQueue string) Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: ChatExchange, Kind: ExchangeKindTopic},
		},
		Queues: []Queue{
			{Name: PreSendQueue, Durable: true},
			{Name: PostSendQueue, Durable: true},
			{Name: ChatAuditQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: ChatAuditQueue, Exchange: ChatExchange, Pattern: ChatKeyPattern},
		},
	}.merge(StatusTopology(statusQueue))
}

// StatusTopology declares the status exchange and statusQueue bound to every
// counselor key. Per-identity queues are auto-delete, so the broker drops
// them once their consumer goes away; consumers redeclare before
// subscribing.
func StatusTopology(statusQueue string) Topology {
	shared := statusQueue == CustomerStatusQueue
	return Topology{
		Exchanges: []Exchange{
			{Name: CustomerStatusExchange, Kind: ExchangeKindTopic},
		},
		Queues: []Queue{
			{Name: statusQueue, Durable: shared, AutoDelete: !shared},
		},
		Bindings: []Binding{
			{Queue: statusQueue, Exchange: CustomerStatusExchange, Pattern: CounselorKeyPattern},
		},
	}
}

// merge returns t extended with the declarations in other that t lacks.
func (t Topology) merge(other Topology) Topology {
	out := Topology{
		Exchanges: slices.Clone(t.Exchanges),
		Queues:    slices.Clone(t.Queues),
		Bindings:  slices.Clone(t.Bindings),
	}
	for _, exchange := range other.Exchanges {
		if !slices.Contains(out.Exchanges, exchange) {
			out.Exchanges = append(out.Exchanges, exchange)
		}
	}
	for _, queue := range other.Queues {
		if !slices.Contains(out.Queues, queue) {
			out.Queues = append(out.Queues, queue)
		}
	}
	for _, binding := range other.Bindings {
		if !slices.Contains(out.Bindings, binding) {
			out.Bindings = append(out.Bindings, binding)
		}
	}
	return out
}

func (t Topology) empty() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 && len(t.Bindings) == 0
}
