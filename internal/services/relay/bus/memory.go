package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const memoryQueueBuffer = 256

var errBusClosed = errors.New("bus is closed")

// MemoryBus is an in-process bus with AMQP topic-exchange routing. Queues
// are bounded and drop their oldest message on overflow. Consumers of the same
// queue compete for deliveries, as they would on a broker.
type MemoryBus struct {
	mu        sync.RWMutex
	exchanges map[string]string
	queues    map[string]chan Delivery
	bindings  map[string][]Binding
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBus returns an empty bus with only the default exchange.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		exchanges: make(map[string]string),
		queues:    make(map[string]chan Delivery),
		bindings:  make(map[string][]Binding),
		done:      make(chan struct{}),
	}
}

// Declare creates exchanges, queues, and bindings. Redeclaring is a no-op.
func (b *MemoryBus) Declare(_ context.Context, topology Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return errBusClosed
	}

	for _, exchange := range topology.Exchanges {
		if exchange.Name == "" {
			return errors.New("exchange name is required")
		}
		if kind, ok := b.exchanges[exchange.Name]; ok && kind != exchange.Kind {
			return fmt.Errorf("exchange %q redeclared as %q, was %q", exchange.Name, exchange.Kind, kind)
		}
		b.exchanges[exchange.Name] = exchange.Kind
	}
	for _, queue := range topology.Queues {
		if queue.Name == "" {
			return errors.New("queue name is required")
		}
		if _, ok := b.queues[queue.Name]; !ok {
			b.queues[queue.Name] = make(chan Delivery, memoryQueueBuffer)
		}
	}
	for _, binding := range topology.Bindings {
		if _, ok := b.exchanges[binding.Exchange]; !ok {
			return fmt.Errorf("bind %q: exchange %q not declared", binding.Queue, binding.Exchange)
		}
		if _, ok := b.queues[binding.Queue]; !ok {
			return fmt.Errorf("bind %q: queue not declared", binding.Queue)
		}
		if !b.hasBinding(binding) {
			b.bindings[binding.Exchange] = append(b.bindings[binding.Exchange], binding)
		}
	}
	return nil
}

func (b *MemoryBus) hasBinding(binding Binding) bool {
	for _, existing := range b.bindings[binding.Exchange] {
		if existing == binding {
			return true
		}
	}
	return false
}

// Publish JSON-encodes payload and routes it. Unroutable messages are
// dropped without error, matching broker behaviour for unmatched keys.
func (b *MemoryBus) Publish(ctx context.Context, exchange string, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isClosed() {
		return errBusClosed
	}

	targets, err := b.routeLocked(exchange, routingKey)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delivery := Delivery{Exchange: exchange, RoutingKey: routingKey, Body: body}
	for _, name := range targets {
		offer(b.queues[name], delivery)
	}
	return nil
}

// offer enqueues delivery, dropping the oldest message when the queue is
// full.
func offer(queue chan Delivery, delivery Delivery) {
	for {
		select {
		case queue <- delivery:
			return
		default:
		}
		select {
		case <-queue:
		default:
		}
	}
}

// requeue hands back a delivery its consumer never took, so a competing
// consumer can still receive it. It is dropped if the queue filled up
// meanwhile.
func requeue(queue chan Delivery, delivery Delivery) {
	select {
	case queue <- delivery:
	default:
	}
}

func (b *MemoryBus) routeLocked(exchange string, routingKey string) ([]string, error) {
	if exchange == DefaultExchange {
		if _, ok := b.queues[routingKey]; ok {
			return []string{routingKey}, nil
		}
		return nil, nil
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return nil, fmt.Errorf("exchange %q not declared", exchange)
	}
	seen := make(map[string]struct{})
	var targets []string
	for _, binding := range b.bindings[exchange] {
		if _, dup := seen[binding.Queue]; dup {
			continue
		}
		if MatchTopic(binding.Pattern, routingKey) {
			seen[binding.Queue] = struct{}{}
			targets = append(targets, binding.Queue)
		}
	}
	return targets, nil
}

// Consume streams deliveries from queue until ctx ends or the bus closes.
func (b *MemoryBus) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.RLock()
	source, ok := b.queues[queue]
	closed := b.isClosed()
	b.mu.RUnlock()
	if closed {
		return nil, errBusClosed
	}
	if !ok {
		return nil, fmt.Errorf("queue %q not declared", queue)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case delivery := <-source:
				select {
				case out <- delivery:
				case <-ctx.Done():
					requeue(source, delivery)
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops every consumer stream. Further publishes fail.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

func (b *MemoryBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

var _ Bus = (*MemoryBus)(nil)
