package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ruru/counselor-relay/internal/platform/timeouts"
)

const contentTypeJSON = "application/json"

// AMQPBus talks to a RabbitMQ broker. The connection and publish channel are
// opened lazily and reopened after the broker drops them; every topology
// declared so far is applied again on each new connection.
type AMQPBus struct {
	url string
	now func() time.Time

	mu         sync.Mutex
	conn       *amqp.Connection
	publishCh  *amqp.Channel
	topology   Topology
	lastDialAt time.Time
	lastDial   error
	closed     bool
}

// NewAMQPBus validates url without connecting.
func NewAMQPBus(url string) (*AMQPBus, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	return &AMQPBus{url: url, now: time.Now}, nil
}

// Connect dials the broker now. On failure the bus stays usable and the
// next publish, declare, or consume dials again.
func (b *AMQPBus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.connectionLocked()
	return err
}

func (b *AMQPBus) connectionLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, errBusClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	// A broker that just refused us is not dialed again until BusRetry
	// passes, so a burst of publishes fails fast.
	if b.lastDial != nil && b.now().Sub(b.lastDialAt) < timeouts.BusRetry {
		return nil, b.lastDial
	}
	b.lastDialAt = b.now()
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Dial: amqp.DefaultDial(timeouts.BusDial),
	})
	if err != nil {
		b.lastDial = fmt.Errorf("dial amqp: %w", err)
		return nil, b.lastDial
	}
	b.lastDial = nil
	b.conn = conn
	b.publishCh = nil
	if !b.topology.empty() {
		if err := declareTopology(conn, b.topology); err != nil {
			log.Printf("relay: redeclare amqp topology: %v", err)
		}
	}
	return conn, nil
}

func (b *AMQPBus) publishChannelLocked() (*amqp.Channel, error) {
	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	if b.publishCh != nil && !b.publishCh.IsClosed() {
		return b.publishCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	b.publishCh = ch
	return ch, nil
}

// Declare creates the topology on the broker and remembers it for later
// reconnects. It is remembered even when the broker is unreachable.
func (b *AMQPBus) Declare(_ context.Context, topology Topology) error {
	b.mu.Lock()
	b.topology = b.topology.merge(topology)
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return declareTopology(conn, topology)
}

func declareTopology(conn *amqp.Connection, topology Topology) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(exchange.Name, exchange.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", exchange.Name, err)
		}
	}
	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", queue.Name, err)
		}
	}
	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(binding.Queue, binding.Pattern, binding.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to %q: %w", binding.Queue, binding.Exchange, err)
		}
	}
	return nil
}

// Publish sends payload as a persistent JSON message. The lock only guards
// channel lookup; the write itself runs unlocked because the client library
// does not honor ctx and may block under broker flow control.
func (b *AMQPBus) Publish(ctx context.Context, exchange string, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	b.mu.Lock()
	ch, err := b.publishChannelLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		b.mu.Lock()
		if b.publishCh == ch {
			b.publishCh = nil
		}
		b.mu.Unlock()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Consume opens a dedicated channel and auto-acks each delivery.
func (b *AMQPBus) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.Lock()
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	source, err := ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue %q: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-source:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Exchange: msg.Exchange, RoutingKey: msg.RoutingKey, Body: msg.Body}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts the connection. The bus cannot be reused.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}

var _ Bus = (*AMQPBus)(nil)
