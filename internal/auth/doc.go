// Package auth provides bearer-token authentication for browtrix-gateway.
//
// Tokens are HS256 JWTs signed with the configured jwt_secret. Each token
// carries a subject and a scope:
//
//   - browser: may connect a browser session on /ws
//   - tools: may call tools on /mcp
//   - admin: may do both and read the /api inspection endpoints
//
// Browsers cannot set headers on a WebSocket upgrade, so the middleware also
// accepts the token as a ?token= query parameter.
//
// When no secret is configured the gateway runs unauthenticated and
// RequireScope passes every request through.
package auth
