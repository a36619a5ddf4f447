// ABOUTME: Broker wires the registry, health monitor, selector, correlator and stats together.
// ABOUTME: Constructed once with a static Config; sweeps are started and stopped explicitly.

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/browtrix-gateway/internal/dedupe"
)

// LateResponsePolicy controls what happens to responses whose id is not pending.
type LateResponsePolicy string

const (
	// LatePolicySilent counts orphaned responses without logging them.
	LatePolicySilent LateResponsePolicy = "silent"
	// LatePolicyLog counts and logs orphaned responses at warn level.
	LatePolicyLog LateResponsePolicy = "log"
)

// Config is read once at construction.
type Config struct {
	MaxConnections      int
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration
	PurgeInterval       time.Duration
	RecordRetention     time.Duration
	DefaultTimeout      time.Duration
	MinTimeout          time.Duration
	MaxTimeout          time.Duration
	BacklogThreshold    int
	HistorySize         int
	LateResponsePolicy  LateResponsePolicy
}

// DefaultConfig returns the stock broker settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      10,
		MaxIdleTime:         30 * time.Minute,
		HealthCheckInterval: 60 * time.Second,
		PurgeInterval:       5 * time.Minute,
		RecordRetention:     24 * time.Hour,
		DefaultTimeout:      30 * time.Second,
		MinTimeout:          100 * time.Millisecond,
		MaxTimeout:          300 * time.Second,
		BacklogThreshold:    10,
		HistorySize:         1000,
		LateResponsePolicy:  LatePolicySilent,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = d.MaxIdleTime
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.RecordRetention <= 0 {
		c.RecordRetention = d.RecordRetention
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = d.BacklogThreshold
	}
	if c.HistorySize < 0 {
		c.HistorySize = 0
	}
	if c.LateResponsePolicy == "" {
		c.LateResponsePolicy = d.LateResponsePolicy
	}
	return c
}

// Observer receives broker events for metrics. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	SessionAdmitted()
	SessionRejected()
	SessionRemoved(reason string)
	RequestFinished(requestType string, outcome Outcome, latency time.Duration)
	ResponseOrphaned(kind string)
	FrameDropped(reason string)
	Gauges(activeSessions, pendingRequests int)
}

type nopObserver struct{}

func (nopObserver) SessionAdmitted() {}
func (nopObserver) SessionRejected() {}
func (nopObserver) SessionRemoved(string) {}
func (nopObserver) RequestFinished(string, Outcome, time.Duration) {}
func (nopObserver) ResponseOrphaned(string) {}
func (nopObserver) FrameDropped(string) {}
func (nopObserver) Gauges(int, int) {}

// Option customises a Broker.
type Option func(*Broker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

// WithClock replaces time.Now for activity, retention and history stamps.
// Request timeouts always use real timers.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Broker is the connection broker.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	started  time.Time

	registry *Registry
	health   *HealthMonitor
	selector *Selector
	stats    *Stats
	recent   *dedupe.Cache

	pendingMu sync.Mutex
	pending   map[string]*waiter

	lifecycleMu sync.Mutex
	stopSweeps  context.CancelFunc
	sweepsDone  chan struct{}
	closed      atomic.Bool
}

// New creates a Broker. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
		pending:  make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.started = b.now()
	b.registry = NewRegistry(b.cfg.MaxConnections, b.now)
	b.health = NewHealthMonitor(b.cfg.MaxIdleTime, b.now)
	b.selector = NewSelector(b.registry, b.health)
	b.stats = NewStats(b.cfg.HistorySize)
	// Late responses are only interesting for as long as a client could
	// plausibly still be answering, which is bounded by the longest timeout.
	b.recent = dedupe.NewWithClock(2*b.cfg.MaxTimeout, 10_000, b.now)
	return b
}

// Config returns the effective configuration.
func (b *Broker) Config() Config {
	return b.cfg
}

// Admit registers a newly accepted transport. The session counts as live
// immediately, before any traffic.
func (b *Broker) Admit(t Transport, clientID, userAgent string) (string, error) {
	id, err := b.registry.Admit(t, clientID, userAgent)
	if err != nil {
		b.observer.SessionRejected()
		b.logger.Warn("connection rejected",
			"reason", err,
			"client_id", clientID,
			"max_connections", b.cfg.MaxConnections,
		)
		return "", err
	}
	b.health.Touch(id)
	b.observer.SessionAdmitted()
	b.publishGauges()

	b.logger.Info("new connection established",
		"session_id", id,
		"client_id", clientID,
		"total_connections", b.registry.Count(),
	)
	return id, nil
}

// Remove marks a session disconnected. Safe to call more than once.
func (b *Broker) Remove(sessionID string) {
	b.remove(sessionID, "disconnect")
}

func (b *Broker) remove(sessionID, reason string) bool {
	b.health.Forget(sessionID)
	if !b.registry.Remove(sessionID) {
		return false
	}
	b.observer.SessionRemoved(reason)
	b.publishGauges()
	b.logger.Info("connection disconnected",
		"session_id", sessionID,
		"reason", reason,
		"remaining_connections", b.registry.Count(),
	)
	return true
}

// touch records traffic on a session in both the monitor and its record.
func (b *Broker) touch(sessionID string) {
	at := b.health.Touch(sessionID)
	b.registry.noteActivity(sessionID, at)
}

func (b *Broker) publishGauges() {
	b.observer.Gauges(b.registry.Count(), b.PendingCount())
}

// Sessions returns the metadata of every retained session.
func (b *Broker) Sessions() []SessionInfo {
	return b.registry.Records()
}

// ActiveSessionIDs returns the ids of connected sessions in admission order.
func (b *Broker) ActiveSessionIDs() []string {
	return b.registry.ActiveIDs()
}

// IsHealthy reports the health monitor's verdict for one session.
func (b *Broker) IsHealthy(sessionID string) bool {
	return b.health.IsHealthy(sessionID)
}

// History returns recently finished requests, oldest first.
func (b *Broker) History() []HistoryEntry {
	return b.stats.History()
}

// Statistics is a point-in-time view of broker counters.
type Statistics struct {
	TotalConnections      int           `json:"total_connections"`
	ActiveRequests        int           `json:"active_requests"`
	TotalRequests         uint64        `json:"total_requests"`
	SuccessfulRequests    uint64        `json:"successful_requests"`
	FailedRequests        uint64        `json:"failed_requests"`
	SuccessRate           float64       `json:"success_rate"`
	AverageResponseTimeMs float64       `json:"average_response_time_ms"`
	PendingRequests       []string      `json:"pending_requests"`
	ConnectionInfo        []SessionInfo `json:"connection_info"`
}

// Statistics returns counters, the latency average and session summaries.
// SuccessRate is a percentage.
func (b *Broker) Statistics() Statistics {
	total, succeeded, failed := b.stats.Counters()
	pending := b.PendingIDs()

	denom := total
	if denom == 0 {
		denom = 1
	}
	return Statistics{
		TotalConnections:      b.registry.Count(),
		ActiveRequests:        len(pending),
		TotalRequests:         total,
		SuccessfulRequests:    succeeded,
		FailedRequests:        failed,
		SuccessRate:           float64(succeeded) / float64(denom) * 100,
		AverageResponseTimeMs: b.stats.AverageLatencyMs(),
		PendingRequests:       pending,
		ConnectionInfo:        b.registry.Records(),
	}
}

// Health verdicts.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// queueDegradedAt is the backlog at which the request_queue component reports degraded.
const queueDegradedAt = 50

// HealthReport is the broker's overall health.
type HealthReport struct {
	Status             string            `json:"status"`
	UptimeSeconds      float64           `json:"uptime_seconds"`
	Connections        int               `json:"connections"`
	HealthyConnections int               `json:"healthy_connections"`
	PendingRequests    int               `json:"pending_requests"`
	LastActivity       time.Time         `json:"last_activity"`
	Components         map[string]string `json:"components"`
}

// Healthy reports whether the verdict is healthy.
func (r HealthReport) Healthy() bool {
	return r.Status == StatusHealthy
}

// Health derives the overall verdict: degraded with no sessions, with any
// active session failing its health check, or with more pending requests
// than the backlog threshold.
func (b *Broker) Health() HealthReport {
	now := b.now()
	active := b.registry.ActiveIDs()
	healthy := 0
	for _, id := range active {
		if b.health.IsHealthy(id) {
			healthy++
		}
	}
	pending := b.PendingCount()

	status := StatusHealthy
	switch {
	case len(active) == 0:
		status = StatusDegraded
	case healthy < len(active):
		status = StatusDegraded
	case pending > b.cfg.BacklogThreshold:
		status = StatusDegraded
	}

	lastActivity, ok := b.health.LastActivity()
	if !ok {
		lastActivity = now
	}

	components := map[string]string{
		"connections":   "up",
		"websocket":     "up",
		"request_queue": "up",
	}
	if len(active) == 0 {
		components["connections"] = "down"
	}
	if pending >= queueDegradedAt {
		components["request_queue"] = "degraded"
	}

	return HealthReport{
		Status:             status,
		UptimeSeconds:      now.Sub(b.started).Seconds(),
		Connections:        len(active),
		HealthyConnections: healthy,
		PendingRequests:    pending,
		LastActivity:       lastActivity,
		Components:         components,
	}
}
