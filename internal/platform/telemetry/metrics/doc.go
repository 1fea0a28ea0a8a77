// Package metrics provides operational counters for the relay.
//
// # Metric Categories
//
//   - Discards: relay payloads dropped for missing required fields, keyed by
//     handler and reason. Drops stay silent toward the sender; the counter is
//     the only trace they leave.
//   - Filtering: status events received on the shared status queue that were
//     addressed to another instance. This is steady-state load.
//   - Publish failures: best-effort durable bus publishes that failed or timed
//     out, keyed by exchange.
//   - Publish rejections: best-effort publishes refused outright while the
//     in-flight limit was reached, keyed by exchange.
//
// # Integration
//
// Counters record through an OpenTelemetry meter. With no meter provider
// registered (telemetry disabled) every record is a no-op.
package metrics
