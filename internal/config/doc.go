// Package config handles configuration loading for browtrix-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BROWTRIX_CONFIG environment variable
//  2. ~/.config/browtrix/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML. A
// missing section or field keeps its default, so an empty file is a valid
// configuration.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BROWTRIX_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	broker:
//	  max_idle_time: "30m"
//	  timeouts:
//	    default: "30s"
//	    min: "100ms"
//	    max: "300s"
//
// # Sections
//
//   - server: HTTP and gRPC listen addresses, WebSocket origin allow-list, admission rate
//   - tailscale: optional tsnet listeners
//   - auth: jwt_secret; empty disables authentication
//   - broker: connection limit, idle eviction, purge, request timeouts
//   - websocket: keepalive and frame size limits
//   - tools: per-tool default and maximum waits
//   - mcp: require_auth and session_ttl
//   - logging: level and format (text or json)
//   - metrics: Prometheus endpoint
//
// BrokerSettings, WebSocketSettings and ToolSettings convert the loaded file
// into the structs the runtime packages take at construction.
package config
