// Package relay implements the counselor/customer real-time relay.
//
// Every client frame and every subscriber delivery passes a session
// interceptor that resolves the acting role and fires that role's audit
// hooks. Relay handlers republish typed payloads onto local pub/sub topics
// or the durable bus, and a status fan-in listener brings cross-instance
// customer status events back onto the local counselor topic.
//
// Side effects on the durable bus are best-effort: a failed or slow publish
// is logged and counted, never surfaced to the client path.
package relay
