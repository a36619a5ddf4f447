// ABOUTME: Registry of admitted sessions with a capacity bound and retained metadata.
// ABOUTME: Disconnected sessions keep an inactive record until the purge sweep drops it.

package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Close codes sent to the transport when the broker ends a session.
const (
	// CloseIdleTimeout is used when the health sweep evicts a stale session.
	CloseIdleTimeout = 1001
	// CloseCapacityExceeded is used when admission is refused at capacity.
	CloseCapacityExceeded = 1008
)

// Transport is one bidirectional connection to a client. The transport
// layer owns its lifecycle; the broker only writes to it and asks it to close.
type Transport interface {
	SendJSON(ctx context.Context, v any) error
	Close(code int, reason string) error
}

// SessionInfo is the metadata retained for a session, active or not.
type SessionInfo struct {
	ID             string    `json:"connection_id"`
	ClientID       string    `json:"browser_id,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Status         string    `json:"status"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	RequestCount   int       `json:"request_count"`
	ErrorCount     int       `json:"error_count"`
}

type session struct {
	id        string
	transport Transport
	seq       uint64
}

// record is a retained SessionInfo with its admission sequence number.
type record struct {
	SessionInfo
	seq uint64
}

// Registry tracks active sessions and the metadata of past ones.
type Registry struct {
	mu       sync.RWMutex
	max      int
	now      func() time.Time
	active   map[string]*session
	records  map[string]*record
	sequence uint64
}

// NewRegistry creates a Registry admitting at most maxConnections sessions.
func NewRegistry(maxConnections int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		max:     maxConnections,
		now:     now,
		active:  make(map[string]*session),
		records: make(map[string]*record),
	}
}

// Admit registers a transport and returns its new session id. At capacity
// the transport is closed with CloseCapacityExceeded and ErrCapacityExceeded
// is returned; nothing is added.
func (r *Registry) Admit(t Transport, clientID, userAgent string) (string, error) {
	r.mu.Lock()
	if len(r.active) >= r.max {
		r.mu.Unlock()
		_ = t.Close(CloseCapacityExceeded, "Connection limit reached")
		return "", ErrCapacityExceeded
	}

	id := uuid.New().String()
	now := r.now()
	r.sequence++
	r.active[id] = &session{id: id, transport: t, seq: r.sequence}
	r.records[id] = &record{
		SessionInfo: SessionInfo{
			ID:           id,
			ClientID:     clientID,
			UserAgent:    userAgent,
			Status:       "active",
			IsActive:     true,
			CreatedAt:    now,
			LastActivity: now,
		},
		seq: r.sequence,
	}
	r.mu.Unlock()
	return id, nil
}

// Remove drops a session from the active set and marks its record inactive.
// It reports whether the session was active; unknown ids are a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[id]; !ok {
		return false
	}
	delete(r.active, id)
	if rec, ok := r.records[id]; ok {
		rec.IsActive = false
		rec.Status = "disconnected"
		rec.DisconnectedAt = r.now()
	}
	return true
}

// Get returns the transport of an active session.
func (r *Registry) Get(id string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.active[id]
	if !ok {
		return nil, false
	}
	return s.transport, true
}

// IsActive reports whether id is currently admitted.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	_, ok := r.active[id]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// ActiveIDs returns active session ids in admission order.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].seq < sessions[j].seq })
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.id
	}
	return ids
}

// Latest returns the most recently admitted active session.
func (r *Registry) Latest() (string, Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *session
	for _, s := range r.active {
		if latest == nil || s.seq > latest.seq {
			latest = s
		}
	}
	if latest == nil {
		return "", nil, false
	}
	return latest.id, latest.transport, true
}

// Records returns a copy of every retained record in admission order.
func (r *Registry) Records() []SessionInfo {
	r.mu.RLock()
	recs := make([]record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]SessionInfo, len(recs))
	for i, rec := range recs {
		out[i] = rec.SessionInfo
	}
	return out
}

// Purge drops inactive records disconnected before cutoff. Active records
// are never purged. It returns the number of records dropped.
func (r *Registry) Purge(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, rec := range r.records {
		if rec.IsActive {
			continue
		}
		if rec.DisconnectedAt.Before(cutoff) {
			delete(r.records, id)
			purged++
		}
	}
	return purged
}

// noteActivity stamps the record's last activity time.
func (r *Registry) noteActivity(id string, at time.Time) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok && rec.IsActive {
		rec.LastActivity = at
	}
	r.mu.Unlock()
}

// noteRequest counts a request routed to the session.
func (r *Registry) noteRequest(id string, failed bool) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		rec.RequestCount++
		if failed {
			rec.ErrorCount++
		}
	}
	r.mu.Unlock()
}
