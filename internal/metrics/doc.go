// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Token refresh outcomes, joined callers and forced logouts
//   - HTTP request outcomes, retries and auth replays
//   - WebSocket connection state, reconnects and frame rates
//   - Outbound queue depth and dropped inbound frames
//   - Subscriber panics recovered by the message bus
//
// A nil *Metrics is valid and records nothing, so components can be
// constructed without a registry in tests.
package metrics
