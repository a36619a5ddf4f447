// Package ws carries broker sessions over WebSocket connections.
//
// The Handler upgrades HTTP requests, admits the resulting connection to the
// broker, and pumps every inbound text or binary frame into the broker's
// Dispatch. Conn implements the broker's Transport: writes are serialised by
// a mutex, and Close sends a close frame with the given code before tearing
// the socket down.
//
// Admission is rate limited with a token bucket so that a misbehaving client
// reconnecting in a loop cannot churn the registry.
package ws
