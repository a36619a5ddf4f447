// Package mcp implements the Model Context Protocol server that exposes the
// browser tools to external agents.
//
// # Protocol
//
// JSON-RPC 2.0 over the Streamable HTTP transport. A single endpoint handles
// every method:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call and notifications
//   - DELETE /mcp - terminate the session named by Mcp-Session-Id
//
// GET is answered with 405; the server never opens an SSE stream.
//
// # Sessions
//
// initialize creates a session and returns its id in the Mcp-Session-Id
// header. Every later request must carry that header. Sessions live in memory
// and are dropped by ExpireSessions once idle past the configured TTL.
//
// # Authentication
//
// When a token verifier is configured, initialize accepts
//
//	Authorization: Bearer <token>
//
// or a ?token= query parameter. The token must carry the tools or admin
// scope. With RequireAuth unset, callers without a token are let through.
//
// # Tool results
//
// A successful call returns the tool's JSON result both as text content and
// as structuredContent. Invalid arguments and unknown tools are JSON-RPC
// errors (-32602). Failures on the browser side, such as no connected
// session or a timeout, come back as a result with isError set so the
// calling model can read the message.
//
// # Integration with Claude Desktop
//
//	{
//	  "mcpServers": {
//	    "browtrix": {
//	      "url": "http://localhost:8080/mcp",
//	      "authorization": "Bearer <token>"
//	    }
//	  }
//	}
package mcp
