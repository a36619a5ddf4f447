// ABOUTME: Tests for request counters, the latency EWMA and the bounded history.

package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Counters(t *testing.T) {
	s := NewStats(10)
	s.Record(HistoryEntry{Outcome: OutcomeSuccess, Success: true})
	s.Record(HistoryEntry{Outcome: OutcomeTimeout})
	s.Record(HistoryEntry{Outcome: OutcomeNoConnection})

	total, succeeded, failed := s.Counters()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(1), succeeded)
	assert.Equal(t, uint64(2), failed)
}

func TestStats_LatencyAverage(t *testing.T) {
	s := NewStats(10)
	s.Record(HistoryEntry{Outcome: OutcomeSuccess, Success: true, Duration: 100 * time.Millisecond})
	assert.InDelta(t, 100.0, s.AverageLatencyMs(), 1e-9)

	s.Record(HistoryEntry{Outcome: OutcomeSuccess, Success: true, Duration: 200 * time.Millisecond})
	assert.InDelta(t, 110.0, s.AverageLatencyMs(), 1e-9)

	s.Record(HistoryEntry{Outcome: OutcomeRemoteError, Duration: 10 * time.Millisecond})
	assert.InDelta(t, 100.0, s.AverageLatencyMs(), 1e-9)
}

func TestStats_UnansweredOutcomesSkipLatency(t *testing.T) {
	s := NewStats(10)
	s.Record(HistoryEntry{Outcome: OutcomeTimeout, Duration: 30 * time.Second})
	s.Record(HistoryEntry{Outcome: OutcomeSendError, Duration: time.Second})
	s.Record(HistoryEntry{Outcome: OutcomeCancelled, Duration: time.Second})
	assert.Zero(t, s.AverageLatencyMs())
}

func TestStats_HistoryBounded(t *testing.T) {
	s := NewStats(3)
	for i := range 5 {
		s.Record(HistoryEntry{RequestID: fmt.Sprintf("r%d", i), Outcome: OutcomeSuccess, Success: true})
	}

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "r2", history[0].RequestID)
	assert.Equal(t, "r4", history[2].RequestID)

	total, _, _ := s.Counters()
	assert.Equal(t, uint64(5), total, "history bound does not affect counters")
}

func TestStats_HistoryWrapsInPlace(t *testing.T) {
	s := NewStats(4)
	for i := range 11 {
		s.Record(HistoryEntry{RequestID: fmt.Sprintf("r%d", i)})
	}

	var ids []string
	for _, e := range s.History() {
		ids = append(ids, e.RequestID)
	}
	assert.Equal(t, []string{"r7", "r8", "r9", "r10"}, ids)
	assert.Len(t, s.ring, 4, "ring never grows past its capacity")
}

func TestStats_PurgeAfterWrapKeepsOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewStats(3)
	for i := range 5 {
		s.Record(HistoryEntry{RequestID: fmt.Sprintf("r%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	assert.Equal(t, 1, s.PurgeHistory(base.Add(3*time.Minute)))
	s.Record(HistoryEntry{RequestID: "r5", Timestamp: base.Add(5 * time.Minute)})
	s.Record(HistoryEntry{RequestID: "r6", Timestamp: base.Add(6 * time.Minute)})

	var ids []string
	for _, e := range s.History() {
		ids = append(ids, e.RequestID)
	}
	assert.Equal(t, []string{"r4", "r5", "r6"}, ids)
}

func TestStats_HistoryDisabled(t *testing.T) {
	s := NewStats(0)
	s.Record(HistoryEntry{Outcome: OutcomeSuccess, Success: true})
	assert.Empty(t, s.History())
}

func TestStats_PurgeHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewStats(10)
	s.Record(HistoryEntry{RequestID: "old", Timestamp: base})
	s.Record(HistoryEntry{RequestID: "new", Timestamp: base.Add(2 * time.Hour)})

	assert.Equal(t, 1, s.PurgeHistory(base.Add(time.Hour)))
	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].RequestID)
}
