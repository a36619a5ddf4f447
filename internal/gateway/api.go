// ABOUTME: HTTP handlers for health, statistics, gateway info and broker inspection.
// ABOUTME: /api/requests also accepts POST to push a raw envelope to a browser session.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/browtrix-gateway/internal/broker"
)

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	broker.HealthReport
	Version           string `json:"version"`
	ActiveConnections int    `json:"websocket_connections"`
	MCPSessions       int    `json:"mcp_sessions"`
}

// InfoResponse is the JSON body of GET /info.
type InfoResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	StartedAt   time.Time         `json:"started_at"`
	AuthEnabled bool              `json:"auth_enabled"`
	Endpoints   map[string]string `json:"endpoints"`
	Tools       []string          `json:"tools"`
	Limits      InfoLimits        `json:"limits"`
}

// InfoLimits summarises the broker limits in effect.
type InfoLimits struct {
	MaxConnections   int     `json:"max_connections"`
	MaxIdleSeconds   float64 `json:"max_idle_seconds"`
	DefaultTimeoutMs int64   `json:"default_timeout_ms"`
	MinTimeoutMs     int64   `json:"min_timeout_ms"`
	MaxTimeoutMs     int64   `json:"max_timeout_ms"`
}

// SendRequest is the JSON body of POST /api/requests.
type SendRequest struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Target    string         `json:"connection_id,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// maxSendBody bounds POST /api/requests bodies.
const maxSendBody = 1 << 20

// defaultHistoryLimit is how many entries GET /api/requests returns without ?limit.
const defaultHistoryLimit = 100

// handleHealth returns the broker verdict: 200 when healthy, 503 when degraded.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := g.broker.Health()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, HealthResponse{
		HealthReport:      report,
		Version:           g.version,
		ActiveConnections: g.wsHandler.ActiveConnections(),
		MCPSessions:       g.mcpServer.SessionCount(),
	})
}

// handleReady returns 200 OK if at least one browser session is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(g.broker.ActiveSessionIDs())
	if n == 0 {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "no browser connected"})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "connections": n})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.broker.Statistics())
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	defs := g.tools.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}

	endpoints := map[string]string{
		"health":    "/health",
		"ready":     "/health/ready",
		"stats":     "/stats",
		"websocket": "/ws",
		"mcp":       "/mcp",
		"sessions":  "/api/sessions",
		"requests":  "/api/requests",
	}
	if g.metrics != nil {
		endpoints["metrics"] = g.config.Metrics.Path
	}

	cfg := g.broker.Config()
	g.writeJSON(w, http.StatusOK, InfoResponse{
		Name:        "browtrix-gateway",
		Version:     g.version,
		StartedAt:   g.started,
		AuthEnabled: g.verifier != nil,
		Endpoints:   endpoints,
		Tools:       names,
		Limits: InfoLimits{
			MaxConnections:   cfg.MaxConnections,
			MaxIdleSeconds:   cfg.MaxIdleTime.Seconds(),
			DefaultTimeoutMs: cfg.DefaultTimeout.Milliseconds(),
			MinTimeoutMs:     cfg.MinTimeout.Milliseconds(),
			MaxTimeoutMs:     cfg.MaxTimeout.Milliseconds(),
		},
	})
}

// handleSessions lists every retained session record, active or not.
// ?active=true limits the list to connected sessions.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions := g.broker.Sessions()
	if r.URL.Query().Get("active") == "true" {
		active := sessions[:0]
		for _, s := range sessions {
			if s.IsActive {
				active = append(active, s)
			}
		}
		sessions = active
	}
	if sessions == nil {
		sessions = []broker.SessionInfo{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (g *Gateway) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleRequestHistory(w, r)
	case http.MethodPost:
		g.handleSendRequest(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRequestHistory returns the newest finished requests first.
func (g *Gateway) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history := g.broker.History()
	out := make([]broker.HistoryEntry, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"requests": out,
		"count":    len(out),
		"pending":  g.broker.PendingIDs(),
	})
}

// handleSendRequest pushes a raw envelope through the broker and waits for
// the browser's answer.
func (g *Gateway) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody+1))
	if err != nil || len(body) > maxSendBody {
		g.sendJSONError(w, http.StatusBadRequest, "request body unreadable or too large")
		return
	}
	var in SendRequest
	if err := json.Unmarshal(body, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Type == "" {
		g.sendJSONError(w, http.StatusBadRequest, "type is required")
		return
	}

	req := broker.NewRequest(in.Type)
	req.ID = in.ID
	req.Priority = in.Priority
	req.Timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	for k, v := range in.Params {
		req.Params[k] = v
	}
	for k, v := range in.Extra {
		req.Extra[k] = v
	}

	resp, err := g.broker.Send(r.Context(), req, in.Target)
	if err != nil {
		g.sendJSONError(w, statusForSendError(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// statusForSendError maps broker failures onto HTTP status codes.
func statusForSendError(err error) int {
	switch {
	case errors.Is(err, broker.ErrNoActiveConnection), errors.Is(err, broker.ErrBrokerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrConnectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, broker.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrRemoteOperation), errors.Is(err, broker.ErrResponseValidation),
		errors.Is(err, broker.ErrTransportSend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
