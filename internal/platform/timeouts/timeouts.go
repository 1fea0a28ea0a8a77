// Package timeouts defines shared timeout constants used across the relay.
// Centralizing these values keeps transport and bus bounds discoverable.
package timeouts

import "time"

// BusPublish caps a single best-effort publish to the durable bus.
const BusPublish = time.Second

// BusRetry is the delay before a bus consumer re-subscribes after its
// delivery stream ends.
const BusRetry = time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// BusDial caps establishing the AMQP connection.
const BusDial = 5 * time.Second
