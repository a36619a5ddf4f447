// Package broker bridges tool callers to connected browser sessions.
//
// # Overview
//
// The broker owns every piece of state needed to deliver a typed request
// envelope to a connected client and wait for the matching response:
//
//   - Registry: admits and evicts sessions, enforces the connection cap,
//     and retains metadata for disconnected sessions until purged.
//   - HealthMonitor: last-activity timestamps per session, used to classify
//     sessions as healthy or stale.
//   - Selector: picks the session that receives an outbound request.
//   - Correlator (Send/Dispatch): maps request ids to waiters, bounds each
//     wait with a timeout, and resolves waiters from inbound frames.
//   - Stats: request counters, latency EWMA, bounded request history.
//
// # Lifecycle
//
//	b := broker.New(cfg, broker.WithLogger(logger))
//	b.Start(ctx)      // idle-eviction and purge sweeps
//	defer b.Stop()
//
// The transport layer calls Admit when a client connects, Dispatch for
// every inbound frame, and Remove when the connection ends. Callers use
// Send and block until the response arrives, the request times out, or
// their context is cancelled.
//
// # Request/Response Correlation
//
// Send registers a waiter under the request id before the envelope is
// written, so a response can never race ahead of its waiter. Dispatch
// removes the waiter from the pending map before resolving it, which makes
// resolution single-assignment: a duplicate response finds nothing and is
// treated as late. Send always removes its own entry on return, whatever
// the outcome.
//
// Responses are matched purely by id. Requests sent to the same session
// may complete in any order.
//
// # Thread Safety
//
// Registry, HealthMonitor, the pending map and Stats are each guarded by
// their own mutex. Broker methods are safe for concurrent use.
package broker
