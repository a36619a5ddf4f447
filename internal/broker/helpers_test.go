// ABOUTME: Shared fakes for broker tests: a controllable clock, transport and observer.
// ABOUTME: The fake transport can answer requests itself to simulate a browser.

package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu          sync.Mutex
	sent        []*Request
	sendErr     error
	onSend      func(*Request)
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeTransport) SendJSON(_ context.Context, v any) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	req, _ := v.(*Request)
	f.sent = append(f.sent, req)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil && req != nil {
		go onSend(req)
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) Sent() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

type recordingObserver struct {
	mu        sync.Mutex
	admitted  int
	rejected  int
	removed   map[string]int
	outcomes  map[Outcome]int
	orphaned  map[string]int
	dropped   map[string]int
	lastGauge [2]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		removed:  make(map[string]int),
		outcomes: make(map[Outcome]int),
		orphaned: make(map[string]int),
		dropped:  make(map[string]int),
	}
}

func (o *recordingObserver) SessionAdmitted() {
	o.mu.Lock()
	o.admitted++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionRejected() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionRemoved(reason string) {
	o.mu.Lock()
	o.removed[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) RequestFinished(_ string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	o.outcomes[outcome]++
	o.mu.Unlock()
}

func (o *recordingObserver) ResponseOrphaned(kind string) {
	o.mu.Lock()
	o.orphaned[kind]++
	o.mu.Unlock()
}

func (o *recordingObserver) FrameDropped(reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) Gauges(active, pending int) {
	o.mu.Lock()
	o.lastGauge = [2]int{active, pending}
	o.mu.Unlock()
}

func (o *recordingObserver) Outcome(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

func (o *recordingObserver) Orphaned(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orphaned[kind]
}

func (o *recordingObserver) Dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func (o *recordingObserver) Removed(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removed[reason]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBroker builds a broker with a fake clock, a recording observer and
// short timeouts suitable for tests.
func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *fakeClock, *recordingObserver) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MinTimeout = 10 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newClock()
	obs := newRecordingObserver()
	b := New(cfg, WithLogger(discardLogger()), WithObserver(obs), WithClock(clock.Now))
	return b, clock, obs
}
