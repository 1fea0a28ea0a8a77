// Package server hosts the relay's WebSocket transport, status fan-in, and
// optional gRPC health surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	platformgrpc "github.com/ruru/counselor-relay/internal/platform/grpc"
	"github.com/ruru/counselor-relay/internal/platform/telemetry/metrics"
	"github.com/ruru/counselor-relay/internal/platform/timeouts"
)

// HealthService is the gRPC health service name reported by the relay.
const HealthService = "relay.transport"

// Config defines the inputs for the relay process.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health server when set.
	GRPCAddr string
	Identity string
	// AMQPURL selects the broker; empty runs on an in-memory bus.
	AMQPURL           string
	StatusQueue       string
	PublishTimeout    time.Duration
	BusRetryDelay     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	runtime         *relayRuntime
	listenerStop    context.CancelFunc
	listenerDone    chan struct{}
	closeOnce       sync.Once
}

// NewServer builds a configured relay server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured relay server with an explicit
// context for startup I/O.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = timeouts.BusPublish
	}
	if config.BusRetryDelay <= 0 {
		config.BusRetryDelay = timeouts.BusRetry
	}

	counters, err := metrics.NewRelayCounters(nil)
	if err != nil {
		return nil, fmt.Errorf("register relay metrics: %w", err)
	}

	durable, err := openBus(config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	rt, err := newRelayRuntime(ctx, runtimeConfig{
		Identity:       config.Identity,
		StatusQueue:    config.StatusQueue,
		PublishTimeout: config.PublishTimeout,
		Bus:            durable,
		Counters:       counters,
	})
	if err != nil {
		_ = durable.Close()
		return nil, err
	}
	listenerStop, listenerDone := rt.startStatusListener(config.BusRetryDelay)

	var health *platformgrpc.HealthServer
	grpcAddr := strings.TrimSpace(config.GRPCAddr)
	if grpcAddr != "" {
		health = platformgrpc.NewHealthServer(HealthService)
	}

	return &Server{
		httpAddr:        httpAddr,
		grpcAddr:        grpcAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(rt),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		health:       health,
		runtime:      rt,
		listenerStop: listenerStop,
		listenerDone: listenerDone,
	}, nil
}

// Run creates and serves a relay server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the health server when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	httpListener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	serveErr := make(chan error, 2)
	log.Printf("relay: listening on %s identity=%q status_queue=%q", httpListener.Addr(), s.runtime.identity, s.runtime.statusQueue)
	go func() {
		serveErr <- s.httpServer.Serve(httpListener)
	}()

	if s.health != nil {
		grpcListener, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("listen on %s: %w", s.grpcAddr, err)
		}
		log.Printf("relay: health listening on %s", grpcListener.Addr())
		go func() {
			serveErr <- s.health.Serve(grpcListener)
		}()
		s.health.SetServing(true)
		defer s.health.Stop()
	}

	select {
	case <-ctx.Done():
		s.health.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		_ = s.httpServer.Close()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// Close stops the status listener and releases the bus.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.listenerStop != nil {
			s.listenerStop()
		}
		if s.listenerDone != nil {
			<-s.listenerDone
		}
		if s.runtime != nil && s.runtime.bus != nil {
			if err := s.runtime.bus.Close(); err != nil {
				log.Printf("relay: close bus: %v", err)
			}
		}
	})
}
