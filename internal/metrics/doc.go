// Package metrics exposes broker and HTTP metrics in the Prometheus format.
//
// A Collector owns its own registry, implements broker.Observer and serves
// the registry through Handler. Labels are limited to request types,
// outcomes and reasons; session and request ids never become labels.
package metrics
