package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ruru/counselor-relay/internal/platform/telemetry/metrics"
	"github.com/ruru/counselor-relay/internal/platform/timeouts"
	"github.com/ruru/counselor-relay/internal/services/relay/bus"
	relayhandler "github.com/ruru/counselor-relay/internal/services/relay/handler"
	"github.com/ruru/counselor-relay/internal/services/relay/interceptor"
	"github.com/ruru/counselor-relay/internal/services/relay/pubsub"
	"github.com/ruru/counselor-relay/internal/services/relay/role"
)

// relayRuntime holds the collaborators every connection shares. Nothing in
// it is mutated after newRelayRuntime returns except through the broker's
// and bus's own locks.
type relayRuntime struct {
	identity    string
	statusQueue string
	bus         bus.Bus
	broker      *pubsub.Broker
	interceptor *interceptor.Interceptor
	relay       *relayhandler.Relay
	listener    *relayhandler.StatusListener
}

type runtimeConfig struct {
	Identity       string
	StatusQueue    string
	PublishTimeout time.Duration
	Bus            bus.Bus
	Counters       *metrics.RelayCounters
}

func newRelayRuntime(ctx context.Context, cfg runtimeConfig) (*relayRuntime, error) {
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		identity = relayhandler.DefaultIdentity
	}
	statusQueue := bus.StatusQueueName(identity, cfg.StatusQueue)

	declareCtx, cancel := context.WithTimeout(ctx, timeouts.BusDial)
	if err := cfg.Bus.Declare(declareCtx, bus.DefaultTopology(statusQueue)); err != nil {
		log.Printf("relay: declare bus topology: %v", err)
	}
	cancel()

	publisher := bus.NewBestEffort(cfg.Bus, cfg.PublishTimeout, cfg.Counters)
	registry, err := role.NewRegistry(
		role.NewCustomerStrategy(publisher),
		role.NewCounselorStrategy(publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("build role registry: %w", err)
	}

	broker := pubsub.NewBroker()
	relay, err := relayhandler.NewRelay(relayhandler.Config{
		Identity:    identity,
		Broadcaster: broker,
		Bus:         publisher,
		Counters:    cfg.Counters,
	})
	if err != nil {
		return nil, fmt.Errorf("build relay: %w", err)
	}
	listener, err := relayhandler.NewStatusListener(identity, broker, cfg.Counters)
	if err != nil {
		return nil, fmt.Errorf("build status listener: %w", err)
	}

	return &relayRuntime{
		identity:    identity,
		statusQueue: statusQueue,
		bus:         cfg.Bus,
		broker:      broker,
		interceptor: interceptor.New(registry),
		relay:       relay,
		listener:    listener,
	}, nil
}

// startStatusListener consumes the status queue in the background until
// the returned stop func is called.
func (rt *relayRuntime) startStatusListener(retryDelay time.Duration) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer := bus.DeclareBeforeConsume(rt.bus, bus.StatusTopology(rt.statusQueue))
		rt.listener.Run(ctx, consumer, rt.statusQueue, retryDelay)
	}()
	return cancel, done
}

// openBus selects the in-memory bus for an empty url and RabbitMQ
// otherwise. An unreachable broker is logged and dialed again on demand.
func openBus(url string) (bus.Bus, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return bus.NewMemoryBus(), nil
	}
	amqpBus, err := bus.NewAMQPBus(url)
	if err != nil {
		return nil, err
	}
	if err := amqpBus.Connect(); err != nil {
		log.Printf("relay: amqp unavailable, will retry: %v", err)
	}
	return amqpBus, nil
}
