// ABOUTME: Gateway orchestrator that coordinates the broker with HTTP, WebSocket, MCP and gRPC servers
// ABOUTME: Owns listener setup (TCP or tailnet), background maintenance and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/browtrix-gateway/internal/auth"
	"github.com/2389/browtrix-gateway/internal/broker"
	"github.com/2389/browtrix-gateway/internal/config"
	"github.com/2389/browtrix-gateway/internal/mcp"
	"github.com/2389/browtrix-gateway/internal/metrics"
	"github.com/2389/browtrix-gateway/internal/tools"
	"github.com/2389/browtrix-gateway/internal/transport/ws"
)

// Gateway orchestrates the browtrix-gateway server components.
type Gateway struct {
	config  *config.Config
	version string
	logger  *slog.Logger
	started time.Time

	broker    *broker.Broker
	wsHandler *ws.Handler
	tools     *tools.Registry
	mcpServer *mcp.Server
	metrics   *metrics.Collector // nil unless metrics are enabled
	verifier  *auth.JWTVerifier  // nil when auth is disabled

	mux          *http.ServeMux
	httpServer   *http.Server
	grpcServer   *grpc.Server // nil when the gRPC listener is disabled
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	lifecycleMu  sync.Mutex
	stopMaintain context.CancelFunc
	maintainWG   sync.WaitGroup
}

// New builds every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	gw := &Gateway{
		config:  cfg,
		version: version,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}

	if cfg.Auth.Enabled() {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		logger.Info("bearer token auth enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	brokerOpts := []broker.Option{broker.WithLogger(logger.With("component", "broker"))}
	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
		brokerOpts = append(brokerOpts, broker.WithObserver(gw.metrics))
	}
	gw.broker = broker.New(cfg.BrokerSettings(), brokerOpts...)

	gw.wsHandler = ws.NewHandler(gw.broker, cfg.WebSocketSettings(), logger.With("component", "websocket"))
	gw.tools = tools.NewRegistry(gw.broker, cfg.ToolSettings(), logger.With("component", "tools"))

	mcpServer, err := mcp.NewServer(mcp.Config{
		Tools:         gw.tools,
		Logger:        logger.With("component", "mcp"),
		TokenVerifier: gw.tokenVerifier(),
		RequireAuth:   cfg.MCP.RequireAuth,
		SessionTTL:    cfg.MCP.SessionTTL,
		Version:       version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcpServer = mcpServer

	gw.healthServer = health.NewServer()
	if gw.grpcEnabled() {
		gw.grpcServer = newGRPCServer(gw.healthServer)
	}
	gw.refreshHealth()

	gw.mux = http.NewServeMux()
	gw.registerRoutes(gw.mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Broker returns the connection broker.
func (g *Gateway) Broker() *broker.Broker {
	return g.broker
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// tokenVerifier returns the verifier as an interface, nil when auth is off.
func (g *Gateway) tokenVerifier() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

func (g *Gateway) grpcEnabled() bool {
	return g.config.Tailscale.Enabled || g.config.Server.GRPCAddr != ""
}

// registerRoutes wires the HTTP surface. /ws requires a browser token,
// /api an admin token; /mcp authenticates on initialize.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	verifier := g.tokenVerifier()
	browserAuth := auth.RequireScope(verifier, auth.ScopeBrowser)
	adminAuth := auth.RequireScope(verifier, auth.ScopeAdmin)

	g.handle(mux, "/health", http.HandlerFunc(g.handleHealth))
	g.handle(mux, "/health/ready", http.HandlerFunc(g.handleReady))
	g.handle(mux, "/stats", http.HandlerFunc(g.handleStats))
	g.handle(mux, "/info", http.HandlerFunc(g.handleInfo))
	g.handle(mux, "/api/sessions", adminAuth(http.HandlerFunc(g.handleSessions)))
	g.handle(mux, "/api/requests", adminAuth(http.HandlerFunc(g.handleRequests)))
	g.handle(mux, "/ws", browserAuth(g.wsHandler))

	mcpMux := http.NewServeMux()
	g.mcpServer.RegisterRoutes(mcpMux)
	g.handle(mux, "/mcp", mcpMux)
	g.handle(mux, "/mcp/", mcpMux)

	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}
}

// handle registers h, instrumented when metrics are enabled.
func (g *Gateway) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	if g.metrics != nil {
		h = g.metrics.Instrument(pattern, h)
	}
	mux.Handle(pattern, h)
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the broker sweeps and the servers, and blocks until ctx is
// cancelled or a server fails. It always shuts down before returning.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.broker.Start(runCtx)
	g.lifecycleMu.Lock()
	g.stopMaintain = cancel
	g.maintainWG.Add(1)
	g.lifecycleMu.Unlock()
	go g.maintain(runCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)

	cancel()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// maintain refreshes the gRPC health status and expires idle MCP sessions
// on the broker's health check interval.
func (g *Gateway) maintain(ctx context.Context) {
	defer g.maintainWG.Done()
	ticker := time.NewTicker(g.broker.Config().HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshHealth()
			g.mcpServer.ExpireSessions()
		}
	}
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting traffic, closes browser sessions, fails pending
// requests and stops every server. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.lifecycleMu.Lock()
	if g.stopMaintain != nil {
		g.stopMaintain()
	}
	g.lifecycleMu.Unlock()
	g.maintainWG.Wait()

	// Fail pending requests first so in-flight tool calls return before
	// the HTTP server waits for them.
	g.broker.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not closed by http.Server.Shutdown.
	g.wsHandler.CloseAll(ws.CloseGoingAway, "server shutting down")

	g.healthServer.Shutdown()
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
