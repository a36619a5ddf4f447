// Package gateway orchestrates the browtrix-gateway server components.
//
// # Overview
//
// The gateway package wires the connection broker to its outer surfaces:
// the browser WebSocket endpoint, the MCP endpoint used by AI agents, a
// small JSON API for operators, Prometheus metrics and a gRPC health
// service. It owns listener setup (plain TCP or a tailnet via tsnet),
// background maintenance and graceful shutdown.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /health - Broker health verdict (503 when degraded)
//   - GET /health/ready - Readiness (503 until a browser is connected)
//   - GET /stats - Request and connection statistics
//   - GET /info - Version, endpoints, tools and limits
//   - GET /api/sessions - Session records (admin scope)
//   - GET /api/requests - Recent request history, newest first (admin scope)
//   - POST /api/requests - Send a raw envelope to a browser (admin scope)
//   - GET /ws - Browser WebSocket upgrade (browser scope)
//   - POST /mcp - MCP JSON-RPC endpoint
//
// When no jwt_secret is configured every route is open.
//
// # gRPC
//
// The gRPC server carries only grpc.health.v1 and reflection. The status of
// both "" and browtrix.Broker follows the broker's health verdict and is
// refreshed on the broker's health check interval.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, version, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run calls Shutdown before returning. Shutdown fails pending requests,
// stops the HTTP server, closes browser sockets with 1001 and stops gRPC.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers
//   - grpc.go: gRPC health service
//   - tailscale.go: tsnet listeners
package gateway
