// ABOUTME: Tracks per-session last activity and classifies sessions as healthy or stale.
// ABOUTME: Unknown sessions are healthy until they have been seen at least once.

package broker

import (
	"sort"
	"sync"
	"time"
)

type activity struct {
	at  time.Time
	seq uint64
}

// HealthMonitor records when each session last carried traffic.
type HealthMonitor struct {
	mu       sync.RWMutex
	maxIdle  time.Duration
	now      func() time.Time
	last     map[string]activity
	sequence uint64
}

// NewHealthMonitor creates a monitor that treats sessions idle for longer
// than maxIdle as stale.
func NewHealthMonitor(maxIdle time.Duration, now func() time.Time) *HealthMonitor {
	if now == nil {
		now = time.Now
	}
	return &HealthMonitor{
		maxIdle: maxIdle,
		now:     now,
		last:    make(map[string]activity),
	}
}

// Touch records now as the session's last activity and returns that time.
func (h *HealthMonitor) Touch(id string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	h.sequence++
	h.last[id] = activity{at: now, seq: h.sequence}
	return now
}

// Forget drops the session's activity record.
func (h *HealthMonitor) Forget(id string) {
	h.mu.Lock()
	delete(h.last, id)
	h.mu.Unlock()
}

// IsHealthy reports whether the session was active within maxIdle.
func (h *HealthMonitor) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.last[id]
	if !ok {
		return true
	}
	return h.now().Sub(a.at) < h.maxIdle
}

// StaleSessions returns every session idle for longer than maxIdle.
func (h *HealthMonitor) StaleSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	var stale []string
	for id, a := range h.last {
		if now.Sub(a.at) > h.maxIdle {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// IdleFor returns how long the session has been idle.
func (h *HealthMonitor) IdleFor(id string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.last[id]
	if !ok {
		return 0, false
	}
	return h.now().Sub(a.at), true
}

// RecentFirst returns tracked ids ordered from most to least recently touched.
func (h *HealthMonitor) RecentFirst() []string {
	h.mu.RLock()
	type entry struct {
		id  string
		seq uint64
	}
	entries := make([]entry, 0, len(h.last))
	for id, a := range h.last {
		entries = append(entries, entry{id: id, seq: a.seq})
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// LastActivity returns the most recent activity across all sessions.
func (h *HealthMonitor) LastActivity() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var latest time.Time
	for _, a := range h.last {
		if a.at.After(latest) {
			latest = a.at
		}
	}
	return latest, !latest.IsZero()
}
