// ABOUTME: HTTP handler that upgrades to WebSocket, admits the session and runs its read loop.
// ABOUTME: Tracks live connections so the gateway can close them on shutdown.

package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/browtrix-gateway/internal/broker"
)

// Broker is the subset of *broker.Broker the handler drives.
type Broker interface {
	Admit(t broker.Transport, clientID, userAgent string) (string, error)
	Remove(sessionID string)
	Dispatch(raw []byte, sessionID string)
}

// Config tunes the handler. Zero fields take the defaults from DefaultConfig.
type Config struct {
	// AllowedOrigins lists accepted Origin headers. Empty or "*" allows all.
	AllowedOrigins []string
	// AdmissionRate is the sustained number of upgrades accepted per second.
	AdmissionRate float64
	// AdmissionBurst is the token bucket size for upgrades.
	AdmissionBurst int
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

// DefaultConfig returns the stock handler settings.
func DefaultConfig() Config {
	return Config{
		AdmissionRate:  5,
		AdmissionBurst: 10,
		ReadLimit:      16 << 20,
		PingInterval:   30 * time.Second,
		PongWait:       70 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AdmissionRate <= 0 {
		c.AdmissionRate = d.AdmissionRate
	}
	if c.AdmissionBurst <= 0 {
		c.AdmissionBurst = d.AdmissionBurst
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}

// CloseGoingAway is sent to every connection when the gateway shuts down.
const CloseGoingAway = websocket.CloseGoingAway

// Handler serves the WebSocket endpoint.
type Handler struct {
	broker   Broker
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHandler creates a handler admitting connections to b.
func NewHandler(b Broker, cfg Config, logger *slog.Logger) *Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:   b,
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		limiter:  rate.NewLimiter(rate.Limit(cfg.AdmissionRate), cfg.AdmissionBurst),
		logger:   logger,
		conns:    make(map[*Conn]struct{}),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and blocks for the life of the session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.logger.Warn("websocket admission rate limited", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	wsConn.SetReadLimit(h.cfg.ReadLimit)
	conn := newConn(wsConn, h.cfg.WriteWait)

	clientID := r.URL.Query().Get("client_id")
	sessionID, err := h.broker.Admit(conn, clientID, r.UserAgent())
	if err != nil {
		// The broker has closed the transport with the rejection code.
		conn.release()
		return
	}

	h.track(conn)
	stopPing := h.startKeepalive(conn, sessionID)
	defer func() {
		stopPing()
		h.untrack(conn)
		h.broker.Remove(sessionID)
		conn.release()
	}()

	h.readLoop(wsConn, sessionID)
}

func (h *Handler) readLoop(wsConn *websocket.Conn, sessionID string) {
	_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, msg, err := wsConn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				h.logger.Info("websocket closed by client",
					"session_id", sessionID,
					"code", closeErr.Code,
					"reason", closeErr.Text,
				)
			default:
				h.logger.Debug("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		// Any message resets the read deadline.
		_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.broker.Dispatch(msg, sessionID)
	}
}

// startKeepalive pings the client every PingInterval until the returned
// function is called.
func (h *Handler) startKeepalive(conn *Conn, sessionID string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					h.logger.Debug("websocket ping failed", "session_id", sessionID, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// ActiveConnections returns the number of sessions with a running read loop.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll sends a close frame to every live connection. Read loops then
// exit and remove their sessions from the broker.
func (h *Handler) CloseAll(code int, reason string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, reason)
	}
	if len(conns) > 0 {
		h.logger.Info("closed websocket connections", "count", len(conns), "reason", reason)
	}
}
