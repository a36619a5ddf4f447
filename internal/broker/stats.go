// ABOUTME: Request counters, latency EWMA, and a bounded history of finished requests.
// ABOUTME: Every Send call records exactly one outcome here.

package broker

import (
	"sync"
	"time"
)

// Outcome labels one terminal result of Send.
type Outcome string

const (
	// OutcomeSuccess is a response with success=true.
	OutcomeSuccess Outcome = "success"
	// OutcomeRemoteError is a response with success=false.
	OutcomeRemoteError Outcome = "remote_error"
	// OutcomeInvalidResponse is a frame that failed response validation.
	OutcomeInvalidResponse Outcome = "invalid_response"
	// OutcomeTimeout means no response arrived before the request timeout.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeSendError means the transport failed to write the request.
	OutcomeSendError Outcome = "send_error"
	// OutcomeNoConnection means no active session could take the request.
	OutcomeNoConnection Outcome = "no_connection"
	// OutcomeNotFound means the explicit target session is not active.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeDuplicate means a request with the same id was already pending.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeCancelled means the caller's context ended first.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeClosed means the broker was closed while the request was pending.
	OutcomeClosed Outcome = "closed"
)

// answered reports whether the client produced a frame for the request.
// Only answered requests feed the latency average.
func (o Outcome) answered() bool {
	switch o {
	case OutcomeSuccess, OutcomeRemoteError, OutcomeInvalidResponse:
		return true
	}
	return false
}

// HistoryEntry describes one finished request.
type HistoryEntry struct {
	RequestID string        `json:"request_id"`
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
	Success   bool          `json:"success"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Stats aggregates request outcomes. History is a fixed-size ring: head is
// the index of the oldest entry and size the number of entries held.
type Stats struct {
	mu        sync.Mutex
	total     uint64
	succeeded uint64
	failed    uint64
	avgMs     float64
	ring      []HistoryEntry
	head      int
	size      int
}

// NewStats creates Stats keeping at most historySize history entries.
func NewStats(historySize int) *Stats {
	return &Stats{ring: make([]HistoryEntry, max(historySize, 0))}
}

// Record counts one outcome and appends it to the history.
func (s *Stats) Record(entry HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if entry.Success {
		s.succeeded++
	} else {
		s.failed++
	}
	if entry.Outcome.answered() {
		s.observeLatency(float64(entry.Duration) / float64(time.Millisecond))
	}

	if len(s.ring) == 0 {
		return
	}
	if s.size < len(s.ring) {
		s.ring[(s.head+s.size)%len(s.ring)] = entry
		s.size++
		return
	}
	s.ring[s.head] = entry
	s.head = (s.head + 1) % len(s.ring)
}

// at returns the i-th oldest entry. Must be called with mu held.
func (s *Stats) at(i int) HistoryEntry {
	return s.ring[(s.head+i)%len(s.ring)]
}

// observeLatency folds a latency sample in milliseconds into the average.
// Must be called with mu held.
func (s *Stats) observeLatency(ms float64) {
	if s.avgMs == 0 {
		s.avgMs = ms
		return
	}
	s.avgMs = s.avgMs*0.9 + ms*0.1
}

// Counters returns total, successful and failed request counts.
func (s *Stats) Counters() (total, succeeded, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.succeeded, s.failed
}

// AverageLatencyMs returns the latency EWMA in milliseconds.
func (s *Stats) AverageLatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgMs
}

// History returns a copy of the retained history, oldest first.
func (s *Stats) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]HistoryEntry, s.size)
	for i := range out {
		out[i] = s.at(i)
	}
	return out
}

// PurgeHistory drops entries recorded before cutoff and returns how many.
func (s *Stats) PurgeHistory(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]HistoryEntry, 0, s.size)
	for i := range s.size {
		if e := s.at(i); !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	purged := s.size - len(kept)
	if purged == 0 {
		return 0
	}
	clear(s.ring)
	copy(s.ring, kept)
	s.head, s.size = 0, len(kept)
	return purged
}
