// ABOUTME: Tests for Send/Dispatch correlation across every outcome.
// ABOUTME: Fake transports answer asynchronously to mimic a connected browser.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answer builds a response frame for req.
func answer(req *Request, success bool, data map[string]any, errMsg string) []byte {
	frame := map[string]any{"id": req.ID, "success": success}
	if data != nil {
		frame["data"] = data
	}
	if errMsg != "" {
		frame["error"] = errMsg
	}
	raw, _ := json.Marshal(frame)
	return raw
}

func admit(t *testing.T, b *Broker, tr *fakeTransport) string {
	t.Helper()
	id, err := b.Admit(tr, "", "test")
	require.NoError(t, err)
	return id
}

func TestSend_ConfirmEndToEnd(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	tr.onSend = func(req *Request) {
		b.Dispatch(answer(req, true, map[string]any{"confirmed": true}, ""), sid)
	}

	req := NewRequest("CONFIRM")
	req.Params["message"] = "Proceed?"
	resp, err := b.Send(context.Background(), req, "")
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.ID)
	assert.True(t, resp.Success)
	confirmed, ok := resp.Field("confirmed")
	require.True(t, ok)
	assert.Equal(t, true, confirmed)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "CONFIRM", sent[0].Type)

	assert.Zero(t, b.PendingCount())
	stats := b.Statistics()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessfulRequests)
	assert.InDelta(t, 100.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, 1, obs.Outcome(OutcomeSuccess))

	require.Len(t, stats.ConnectionInfo, 1)
	assert.Equal(t, 1, stats.ConnectionInfo[0].RequestCount)
	assert.Zero(t, stats.ConnectionInfo[0].ErrorCount)
}

func TestSend_Normalizes(t *testing.T) {
	b, clock, _ := newTestBroker(t, func(c *Config) {
		c.MinTimeout = 500 * time.Millisecond
		c.MaxTimeout = 5 * time.Second
	})
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	tr.onSend = func(req *Request) { b.Dispatch(answer(req, true, nil, ""), sid) }

	tests := []struct {
		name         string
		timeout      time.Duration
		priority     int
		wantTimeout  time.Duration
		wantPriority int
	}{
		{"defaults", 0, 0, 2 * time.Second, 0},
		{"below minimum", time.Millisecond, 50, 500 * time.Millisecond, MaxPriority},
		{"above maximum", time.Hour, -50, 5 * time.Second, MinPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Type: "GET_HTML", Timeout: tt.timeout, Priority: tt.priority}
			_, err := b.Send(context.Background(), req, "")
			require.NoError(t, err)
			assert.NotEmpty(t, req.ID)
			assert.NotNil(t, req.Params)
			assert.Equal(t, clock.Now(), req.Timestamp)
			assert.Equal(t, tt.wantTimeout, req.Timeout)
			assert.Equal(t, tt.wantPriority, req.Priority)
		})
	}
}

func TestSend_OutOfOrderResponses(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)

	ids := []string{"r1", "r2", "r3"}
	results := make(map[string]*Response)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			req := NewRequest("GET_HTML")
			req.ID = id
			resp, err := b.Send(context.Background(), req, "")
			assert.NoError(t, err)
			mu.Lock()
			results[id] = resp
			mu.Unlock()
		}(id)
	}

	require.Eventually(t, func() bool { return b.PendingCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ids, b.PendingIDs())

	for _, id := range []string{"r3", "r1", "r2"} {
		b.Dispatch(answer(&Request{ID: id}, true, map[string]any{"echo": id}, ""), sid)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotNil(t, results[id], id)
		echo, _ := results[id].Field("echo")
		assert.Equal(t, id, echo)
	}
	assert.Zero(t, b.PendingCount())
}

func TestSend_NoActiveConnection(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)

	req := NewRequest("GET_HTML")
	req.Timeout = time.Minute
	start := time.Now()
	_, err := b.Send(context.Background(), req, "")
	require.ErrorIs(t, err, ErrNoActiveConnection)
	assert.Less(t, time.Since(start), time.Second, "must fail without waiting for the timeout")

	assert.Zero(t, b.PendingCount())
	total, _, failed := b.stats.Counters()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), failed)
	assert.Equal(t, 1, obs.Outcome(OutcomeNoConnection))
}

func TestSend_UnknownTarget(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	admit(t, b, &fakeTransport{})

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), "gone")
	require.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Equal(t, 1, obs.Outcome(OutcomeNotFound))
}

func TestSend_ExplicitTarget(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	first := &fakeTransport{}
	firstID := admit(t, b, first)
	second := &fakeTransport{}
	admit(t, b, second)
	first.onSend = func(req *Request) { b.Dispatch(answer(req, true, nil, ""), firstID) }

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), firstID)
	require.NoError(t, err)
	assert.Len(t, first.Sent(), 1)
	assert.Empty(t, second.Sent())
}

func TestSend_RemoteError(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	tr.onSend = func(req *Request) { b.Dispatch(answer(req, false, nil, "element not found"), sid) }

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), "")
	require.ErrorIs(t, err, ErrRemoteOperation)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "element not found", remote.Message)
	assert.Equal(t, 1, obs.Outcome(OutcomeRemoteError))

	info := b.Sessions()[0]
	assert.Equal(t, 1, info.ErrorCount)
}

func TestSend_RemoteErrorWithoutMessage(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	tr.onSend = func(req *Request) { b.Dispatch(answer(req, false, nil, ""), sid) }

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), "")
	require.ErrorIs(t, err, ErrRemoteOperation)
	assert.Equal(t, "Unknown error from browser", err.Error())
}

func TestSend_ValidationFailure(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	tr.onSend = func(req *Request) {
		b.Dispatch([]byte(fmt.Sprintf(`{"id":%q,"success":"definitely"}`, req.ID)), sid)
	}

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), "")
	require.ErrorIs(t, err, ErrResponseValidation)
	assert.Equal(t, 1, obs.Outcome(OutcomeInvalidResponse))
	assert.Zero(t, b.PendingCount())
}

func TestSend_Timeout(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	sid := admit(t, b, &fakeTransport{})

	req := NewRequest("GET_HTML")
	req.Timeout = 30 * time.Millisecond
	_, err := b.Send(context.Background(), req, "")
	require.ErrorIs(t, err, ErrRequestTimeout)

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "GET_HTML", timeout.Operation)
	assert.Equal(t, 30*time.Millisecond, timeout.Timeout)
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, 1, obs.Outcome(OutcomeTimeout))
	assert.Zero(t, b.stats.AverageLatencyMs(), "timeouts do not feed the latency average")

	// The answer arrives after the deadline and is classified as late.
	b.Dispatch(answer(req, true, nil, ""), sid)
	assert.Equal(t, 1, obs.Orphaned("late"))
	total, _, _ := b.stats.Counters()
	assert.Equal(t, uint64(1), total, "late responses are not new outcomes")
}

func TestSend_SendError(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{sendErr: errors.New("broken pipe")}
	sid := admit(t, b, tr)

	_, err := b.Send(context.Background(), NewRequest("GET_HTML"), "")
	require.ErrorIs(t, err, ErrTransportSend)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, sid, sendErr.SessionID)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, 1, obs.Outcome(OutcomeSendError))
}

func TestSend_DuplicateID(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)

	done := make(chan error, 1)
	go func() {
		req := NewRequest("GET_HTML")
		req.ID = "dup"
		_, err := b.Send(context.Background(), req, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	second := NewRequest("GET_HTML")
	second.ID = "dup"
	_, err := b.Send(context.Background(), second, "")
	require.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, 1, b.PendingCount(), "the original waiter survives")
	assert.Equal(t, 1, obs.Outcome(OutcomeDuplicate))

	b.Dispatch(answer(&Request{ID: "dup"}, true, nil, ""), sid)
	require.NoError(t, <-done)
	assert.Zero(t, b.PendingCount())
}

func TestSend_ContextCancelled(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	admit(t, b, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		req := NewRequest("GET_HTML")
		req.Timeout = time.Minute
		_, err := b.Send(ctx, req, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, 1, obs.Outcome(OutcomeCancelled))
}

func TestDispatch_InvalidJSONLeavesWaitersAlone(t *testing.T) {
	b, _, obs := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)

	done := make(chan error, 1)
	go func() {
		req := NewRequest("GET_HTML")
		req.ID = "r1"
		_, err := b.Send(context.Background(), req, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Dispatch([]byte("{not json"), sid)
	b.Dispatch([]byte(`[1,2,3]`), sid)
	b.Dispatch([]byte(`{"success":true}`), sid)
	assert.Equal(t, 1, b.PendingCount())
	assert.Equal(t, 2, obs.Dropped("invalid_json"))
	assert.Equal(t, 1, obs.Dropped("missing_id"))

	b.Dispatch(answer(&Request{ID: "r1"}, true, nil, ""), sid)
	require.NoError(t, <-done)
}

func TestDispatch_UnknownIDPolicies(t *testing.T) {
	for _, policy := range []LateResponsePolicy{LatePolicySilent, LatePolicyLog} {
		t.Run(string(policy), func(t *testing.T) {
			b, _, obs := newTestBroker(t, func(c *Config) { c.LateResponsePolicy = policy })
			sid := admit(t, b, &fakeTransport{})

			b.Dispatch([]byte(`{"id":"never-sent","success":true}`), sid)
			assert.Equal(t, 1, obs.Orphaned("unknown"))
			assert.Zero(t, obs.Orphaned("late"))
		})
	}
}

func TestDispatch_TouchesSession(t *testing.T) {
	b, clock, _ := newTestBroker(t, nil)
	sid := admit(t, b, &fakeTransport{})

	clock.Advance(time.Minute)
	b.Dispatch([]byte(`{"type":"heartbeat"}`), sid)

	info := b.Sessions()[0]
	assert.Equal(t, clock.Now(), info.LastActivity)
}

func TestSend_ManyConcurrentLeaveNoPending(t *testing.T) {
	b, _, _ := newTestBroker(t, nil)
	tr := &fakeTransport{}
	sid := admit(t, b, tr)
	var n int
	var mu sync.Mutex
	tr.onSend = func(req *Request) {
		mu.Lock()
		n++
		fail := n%3 == 0
		mu.Unlock()
		if fail {
			b.Dispatch(answer(req, false, nil, "nope"), sid)
			return
		}
		b.Dispatch(answer(req, true, nil, ""), sid)
	}

	var wg sync.WaitGroup
	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Send(context.Background(), NewRequest("GET_HTML"), "")
		}()
	}
	wg.Wait()

	assert.Zero(t, b.PendingCount())
	total, succeeded, failed := b.stats.Counters()
	assert.Equal(t, uint64(60), total)
	assert.Equal(t, uint64(40), succeeded)
	assert.Equal(t, uint64(20), failed)
}
