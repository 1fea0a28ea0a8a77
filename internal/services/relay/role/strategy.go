package role

import (
	"context"
	"log"
	"time"

	"github.com/ruru/counselor-relay/internal/services/relay/bus"
)

// Phase names the interception point an event was produced at.
type Phase string

const (
	PhasePreSend  Phase = "PRESEND"
	PhasePostSend Phase = "POSTSEND"
)

// HookContext is what a strategy sees of a transiting message.
type HookContext struct {
	Destination string
	SessionID   string
	Command     string
}

// Strategy reacts to messages for one role. Adding a role means
// implementing Strategy and passing it to NewRegistry; the interceptor needs
// no change.
type Strategy interface {
	Role() Role
	// OnPreDispatch runs before a client-originated message is routed.
	OnPreDispatch(ctx context.Context, hook HookContext) error
	// OnPostDispatch runs after a server-originated message is handed to a
	// subscriber.
	OnPostDispatch(ctx context.Context, hook HookContext) error
}

// InterceptionEvent is the audit record published for each hook firing.
type InterceptionEvent struct {
	Role        Role      `json:"role"`
	Phase       Phase     `json:"phase"`
	Destination string    `json:"destination,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Command     string    `json:"command"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher sends a payload to the durable bus. Implementations bound the
// call; AuditStrategy only logs what comes back.
type Publisher interface {
	Publish(ctx context.Context, exchange string, routingKey string, payload any) error
}

// AuditStrategy publishes an InterceptionEvent per hook to the phase's audit
// queue. Publish failures are logged and swallowed.
type AuditStrategy struct {
	role      Role
	publisher Publisher
	now       func() time.Time
}

// NewAuditStrategy builds an audit strategy for role.
func NewAuditStrategy(role Role, publisher Publisher) *AuditStrategy {
	return &AuditStrategy{role: role, publisher: publisher, now: time.Now}
}

// NewCustomerStrategy audits customer traffic.
func NewCustomerStrategy(publisher Publisher) *AuditStrategy {
	return NewAuditStrategy(Customer, publisher)
}

// NewCounselorStrategy audits counselor traffic.
func NewCounselorStrategy(publisher Publisher) *AuditStrategy {
	return NewAuditStrategy(Counselor, publisher)
}

// Role implements Strategy.
func (s *AuditStrategy) Role() Role {
	return s.role
}

// OnPreDispatch implements Strategy.
func (s *AuditStrategy) OnPreDispatch(ctx context.Context, hook HookContext) error {
	s.publish(ctx, PhasePreSend, bus.PreSendQueue, hook)
	return nil
}

// OnPostDispatch implements Strategy.
func (s *AuditStrategy) OnPostDispatch(ctx context.Context, hook HookContext) error {
	s.publish(ctx, PhasePostSend, bus.PostSendQueue, hook)
	return nil
}

func (s *AuditStrategy) publish(ctx context.Context, phase Phase, queue string, hook HookContext) {
	if s.publisher == nil {
		return
	}
	event := InterceptionEvent{
		Role:        s.role,
		Phase:       phase,
		Destination: hook.Destination,
		SessionID:   hook.SessionID,
		Command:     hook.Command,
		OccurredAt:  s.now().UTC(),
	}
	// Audit queues sit on the default exchange, addressed by queue name.
	if err := s.publisher.Publish(ctx, bus.DefaultExchange, queue, event); err != nil {
		log.Printf("relay: publish %s %s event session=%q destination=%q: %v", s.role, phase, hook.SessionID, hook.Destination, err)
	}
}
