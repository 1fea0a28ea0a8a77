// Package interceptor applies role strategies to frames crossing a relay
// session.
package interceptor

import (
	"context"
	"fmt"
	"log"

	"github.com/ruru/counselor-relay/internal/services/relay/role"
)

// Command kinds the interceptor reacts to.
const (
	CommandConnect = "CONNECT"
	CommandSTOMP   = "STOMP"
	CommandSend    = "SEND"
	CommandMessage = "MESSAGE"
)

// Message is a frame in transit. Destination, SessionID, and Headers are
// optional.
type Message struct {
	Command     string
	Destination string
	SessionID   string
	Headers     map[string]string
	Attributes  *Attributes
}

// Interceptor runs role strategies before client frames are routed and
// after server frames are handed to a subscriber. It holds no per-message
// state and is safe for concurrent use.
type Interceptor struct {
	registry *role.Registry
}

// New builds an interceptor over registry.
func New(registry *role.Registry) *Interceptor {
	return &Interceptor{registry: registry}
}

// BeforeDispatch handles a client-originated frame. CONNECT records the
// role header on the session; SEND fires the pre-dispatch hook. The message
// is always returned for routing.
func (i *Interceptor) BeforeDispatch(ctx context.Context, msg Message) Message {
	switch msg.Command {
	case CommandConnect, CommandSTOMP:
		if value, ok := msg.Headers[role.AttributeKey]; ok && msg.Attributes != nil {
			msg.Attributes.Set(role.AttributeKey, value)
		}
	case CommandSend:
		i.invoke(ctx, msg, role.PhasePreSend)
	}
	return msg
}

// AfterDispatch handles a server-originated frame once the write to the
// subscriber has been attempted.
func (i *Interceptor) AfterDispatch(ctx context.Context, msg Message, delivered bool) {
	if msg.Command != CommandMessage {
		return
	}
	if !delivered {
		log.Printf("relay: post dispatch for undelivered frame session=%q destination=%q", msg.SessionID, msg.Destination)
	}
	i.invoke(ctx, msg, role.PhasePostSend)
}

func (i *Interceptor) invoke(ctx context.Context, msg Message, phase role.Phase) {
	if i == nil {
		return
	}
	resolved, ok := role.Resolve(msg.Attributes, msg.Destination)
	if !ok {
		return
	}
	strategy, ok := i.registry.Lookup(resolved)
	if !ok {
		return
	}
	hook := role.HookContext{
		Destination: msg.Destination,
		SessionID:   msg.SessionID,
		Command:     msg.Command,
	}
	if err := runHook(ctx, strategy, phase, hook); err != nil {
		log.Printf("relay: %s hook for role %q session=%q: %v", phase, resolved, msg.SessionID, err)
	}
}

func runHook(ctx context.Context, strategy role.Strategy, phase role.Phase, hook role.HookContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	if phase == role.PhasePreSend {
		return strategy.OnPreDispatch(ctx, hook)
	}
	return strategy.OnPostDispatch(ctx, hook)
}
