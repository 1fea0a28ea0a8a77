// Package relay parses relay command flags and composes the transport
// entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/ruru/counselor-relay/internal/platform/cmd"
	"github.com/ruru/counselor-relay/internal/platform/timeouts"
	server "github.com/ruru/counselor-relay/internal/services/relay/app"
)

// Config holds relay command configuration. Env names carry the
// RURU_RELAY_ prefix.
type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR"       envDefault:":8080"`
	GRPCAddr       string        `env:"GRPC_ADDR"`
	Identity       string        `env:"IDENTITY"        envDefault:"default"`
	AMQPURL        string        `env:"AMQP_URL"`
	StatusQueue    string        `env:"STATUS_QUEUE"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"1s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.Identity, "identity", cfg.Identity, "process identity used for status routing")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "AMQP broker URL (empty uses an in-memory bus)")
	fs.StringVar(&cfg.StatusQueue, "status-queue", cfg.StatusQueue, "status queue name (empty derives one from identity)")
	fs.DurationVar(&cfg.PublishTimeout, "publish-timeout", cfg.PublishTimeout, "bound for each best-effort bus publish")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout <= 0 {
		return Config{}, fmt.Errorf("publish timeout must be positive, got %s", cfg.PublishTimeout)
	}
	return cfg, nil
}

// Run builds the relay app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{ShutdownTimeout: timeouts.Shutdown}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRelay, options, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			GRPCAddr:       cfg.GRPCAddr,
			Identity:       cfg.Identity,
			AMQPURL:        cfg.AMQPURL,
			StatusQueue:    cfg.StatusQueue,
			PublishTimeout: cfg.PublishTimeout,
			BusRetryDelay:  timeouts.BusRetry,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
