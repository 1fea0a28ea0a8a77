// Package pubsub is the relay's local topic broker. Connections subscribe to
// destinations; relay handlers and the status listener publish to them.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Broadcast topics the relay handlers publish to.
const (
	TopicPrefix           = "/topic"
	ChatTopicPrefix       = "/topic/chat/"
	CounselorWaitingTopic = "/topic/counselor/waiting"
	CounselorStatusTopic  = "/topic/counselor/status"
)

// ChatTopic returns the broadcast topic for roomID.
func ChatTopic(roomID string) string {
	return ChatTopicPrefix + roomID
}

// Message is one broadcast as seen by a single subscription.
type Message struct {
	Destination    string
	SubscriptionID string
	Body           []byte
}

// Subscriber receives broadcasts. Deliver is called without broker locks
// held and may block on network writes.
type Subscriber interface {
	Deliver(ctx context.Context, msg Message) error
}

// Publisher broadcasts payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload any) error
}

type subscriptionKey struct {
	subscriber Subscriber
	id         string
}

// Broker fans broadcasts out to every subscription on a destination.
// Destinations match exactly.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[subscriptionKey]struct{}
	owned  map[subscriptionKey]string
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[subscriptionKey]struct{}),
		owned:  make(map[subscriptionKey]string),
	}
}

// Subscribe registers subscriber on destination under id. Reusing an id for
// the same subscriber moves the subscription.
func (b *Broker) Subscribe(subscriber Subscriber, id string, destination string) error {
	if subscriber == nil {
		return errors.New("subscriber is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("subscription id is required")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return errors.New("destination is required")
	}

	key := subscriptionKey{subscriber: subscriber, id: id}
	b.mu.Lock()
	defer b.mu.Unlock()
	if previous, ok := b.owned[key]; ok {
		b.removeLocked(key, previous)
	}
	subs, ok := b.topics[destination]
	if !ok {
		subs = make(map[subscriptionKey]struct{})
		b.topics[destination] = subs
	}
	subs[key] = struct{}{}
	b.owned[key] = destination
	return nil
}

// Unsubscribe removes one subscription. Unknown ids are ignored.
func (b *Broker) Unsubscribe(subscriber Subscriber, id string) {
	key := subscriptionKey{subscriber: subscriber, id: strings.TrimSpace(id)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if destination, ok := b.owned[key]; ok {
		b.removeLocked(key, destination)
	}
}

// UnsubscribeAll removes every subscription held by subscriber.
func (b *Broker) UnsubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, destination := range b.owned {
		if key.subscriber == subscriber {
			b.removeLocked(key, destination)
		}
	}
}

func (b *Broker) removeLocked(key subscriptionKey, destination string) {
	delete(b.owned, key)
	subs := b.topics[destination]
	delete(subs, key)
	if len(subs) == 0 {
		delete(b.topics, destination)
	}
}

// Subscribers counts subscriptions on destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[destination])
}

// Publish JSON-encodes payload and broadcasts it.
func (b *Broker) Publish(ctx context.Context, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	b.PublishRaw(ctx, destination, body)
	return nil
}

// PublishRaw broadcasts body unchanged and returns how many subscriptions
// accepted it. A failing subscriber does not stop delivery to the rest.
func (b *Broker) PublishRaw(ctx context.Context, destination string, body []byte) int {
	b.mu.Lock()
	targets := make([]subscriptionKey, 0, len(b.topics[destination]))
	for key := range b.topics[destination] {
		targets = append(targets, key)
	}
	b.mu.Unlock()

	delivered := 0
	for _, key := range targets {
		err := key.subscriber.Deliver(ctx, Message{
			Destination:    destination,
			SubscriptionID: key.id,
			Body:           body,
		})
		if err != nil {
			log.Printf("relay: deliver %s to subscription %q: %v", destination, key.id, err)
			continue
		}
		delivered++
	}
	return delivered
}
