// ABOUTME: Request/response correlation: Send registers a waiter and blocks, Dispatch resolves it.
// ABOUTME: Waiters are removed on every exit path; a response resolves at most one waiter.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

type result struct {
	resp *Response
	err  error
}

// waiter is a single-assignment completion slot for one request id.
type waiter struct {
	ch        chan result
	sessionID string
}

func newWaiter(sessionID string) *waiter {
	return &waiter{ch: make(chan result, 1), sessionID: sessionID}
}

// resolve never blocks: the channel is buffered and only the goroutine that
// removed the waiter from the pending map may call it.
func (w *waiter) resolve(r result) {
	w.ch <- r
}

// Send delivers req to a session and waits for its response. target selects
// a specific session; empty lets the selector choose. Exactly one outcome is
// recorded per call, and no pending entry for req.ID survives the return.
func (b *Broker) Send(ctx context.Context, req *Request, target string) (*Response, error) {
	b.normalize(req)
	start := time.Now()

	if b.closed.Load() {
		b.finish(req, "", start, OutcomeClosed, ErrBrokerClosed)
		return nil, ErrBrokerClosed
	}

	sessionID, transport, err := b.selector.Select(target)
	if err != nil {
		outcome := OutcomeNoConnection
		if errors.Is(err, ErrConnectionNotFound) {
			outcome = OutcomeNotFound
		}
		b.finish(req, "", start, outcome, err)
		return nil, err
	}

	w, err := b.register(req.ID, sessionID)
	if err != nil {
		outcome := OutcomeDuplicate
		if errors.Is(err, ErrBrokerClosed) {
			outcome = OutcomeClosed
		}
		b.finish(req, sessionID, start, outcome, err)
		return nil, err
	}
	defer b.unregister(req.ID, w)

	b.logger.Debug("sending request",
		"request_id", req.ID,
		"request_type", req.Type,
		"session_id", sessionID,
		"timeout", req.Timeout,
	)
	if err := transport.SendJSON(ctx, req); err != nil {
		sendErr := &SendError{SessionID: sessionID, Err: err}
		b.finish(req, sessionID, start, OutcomeSendError, sendErr)
		return nil, sendErr
	}
	b.touch(sessionID)

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		switch {
		case res.err == nil:
			b.finish(req, sessionID, start, OutcomeSuccess, nil)
			return res.resp, nil
		case errors.Is(res.err, ErrRemoteOperation):
			b.finish(req, sessionID, start, OutcomeRemoteError, res.err)
		case errors.Is(res.err, ErrBrokerClosed):
			b.finish(req, sessionID, start, OutcomeClosed, res.err)
		default:
			b.finish(req, sessionID, start, OutcomeInvalidResponse, res.err)
		}
		return nil, res.err

	case <-timer.C:
		err := &TimeoutError{Operation: req.Type, Timeout: req.Timeout}
		b.finish(req, sessionID, start, OutcomeTimeout, err)
		return nil, err

	case <-ctx.Done():
		err := ctx.Err()
		b.finish(req, sessionID, start, OutcomeCancelled, err)
		return nil, err
	}
}

// normalize fills defaults and clamps the timeout and priority into range.
func (b *Broker) normalize(req *Request) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = b.now()
	}
	switch {
	case req.Timeout <= 0:
		req.Timeout = b.cfg.DefaultTimeout
	case req.Timeout < b.cfg.MinTimeout:
		req.Timeout = b.cfg.MinTimeout
	case req.Timeout > b.cfg.MaxTimeout:
		req.Timeout = b.cfg.MaxTimeout
	}
	req.Priority = max(MinPriority, min(MaxPriority, req.Priority))
}

// register installs a waiter for id, refusing ids that are already pending.
func (b *Broker) register(id, sessionID string) (*waiter, error) {
	b.pendingMu.Lock()
	if b.closed.Load() {
		b.pendingMu.Unlock()
		return nil, ErrBrokerClosed
	}
	if _, exists := b.pending[id]; exists {
		b.pendingMu.Unlock()
		return nil, ErrDuplicateRequest
	}
	w := newWaiter(sessionID)
	b.pending[id] = w
	b.pendingMu.Unlock()

	b.publishGauges()
	return w, nil
}

// unregister removes id if it still maps to w.
func (b *Broker) unregister(id string, w *waiter) {
	b.pendingMu.Lock()
	if b.pending[id] == w {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.publishGauges()
}

// take removes and returns the waiter for id. The caller owns resolution.
func (b *Broker) take(id string) *waiter {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	w, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return w
}

// finish records the terminal outcome of one Send call.
func (b *Broker) finish(req *Request, sessionID string, start time.Time, outcome Outcome, err error) {
	latency := time.Since(start)
	entry := HistoryEntry{
		RequestID: req.ID,
		Type:      req.Type,
		SessionID: sessionID,
		Timestamp: b.now(),
		Duration:  latency,
		Success:   outcome == OutcomeSuccess,
		Outcome:   outcome,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	b.stats.Record(entry)
	if sessionID != "" {
		b.registry.noteRequest(sessionID, err != nil)
	}
	if outcome != OutcomeDuplicate {
		b.recent.Mark(req.ID, string(outcome))
	}
	b.observer.RequestFinished(req.Type, outcome, latency)

	if err != nil {
		b.logger.Warn("request failed",
			"request_id", req.ID,
			"request_type", req.Type,
			"session_id", sessionID,
			"outcome", outcome,
			"error", err,
		)
		return
	}
	b.logger.Debug("request completed",
		"request_id", req.ID,
		"request_type", req.Type,
		"session_id", sessionID,
		"duration", latency,
	)
}

// maxLoggedFrame bounds how much of an unparsable frame is logged.
const maxLoggedFrame = 100

// Dispatch handles one inbound frame from sessionID. It never panics or
// returns an error: malformed input is logged and dropped, and a frame that
// matches a pending request but fails validation resolves only that request.
func (b *Broker) Dispatch(raw []byte, sessionID string) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		preview := string(raw)
		if len(preview) > maxLoggedFrame {
			preview = preview[:maxLoggedFrame] + "..."
		}
		b.logger.Error("invalid JSON received",
			"session_id", sessionID,
			"raw_data", preview,
			"error", err,
		)
		b.observer.FrameDropped("invalid_json")
		return
	}

	b.touch(sessionID)

	var id string
	if rawID, ok := frame["id"]; ok {
		_ = json.Unmarshal(rawID, &id)
	}
	if id == "" {
		b.logger.Debug("message without request id", "session_id", sessionID)
		b.observer.FrameDropped("missing_id")
		return
	}

	w := b.take(id)
	if w == nil {
		b.orphaned(id, sessionID)
		return
	}
	b.publishGauges()

	resp, err := parseResponse(frame, b.now)
	switch {
	case err != nil:
		w.resolve(result{err: &ValidationError{RequestID: id, Err: err}})
	case !resp.Success:
		msg := resp.Error
		if msg == "" {
			msg = "Unknown error from browser"
		}
		w.resolve(result{err: &RemoteError{RequestID: id, Message: msg}})
	default:
		w.resolve(result{resp: resp})
	}

	b.logger.Debug("message processed",
		"request_id", id,
		"session_id", sessionID,
		"waiter_session_id", w.sessionID,
	)
}

// orphaned handles a response whose id has no pending waiter.
func (b *Broker) orphaned(id, sessionID string) {
	kind := "unknown"
	outcome, late := b.recent.Lookup(id)
	if late {
		kind = "late"
	}
	b.observer.ResponseOrphaned(kind)

	if b.cfg.LateResponsePolicy != LatePolicyLog {
		return
	}
	b.logger.Warn("response for request that is not pending",
		"request_id", id,
		"session_id", sessionID,
		"kind", kind,
		"previous_outcome", outcome,
	)
}

// PendingCount returns the number of unresolved requests.
func (b *Broker) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// PendingIDs returns the ids of unresolved requests, sorted.
func (b *Broker) PendingIDs() []string {
	b.pendingMu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.pendingMu.Unlock()

	sort.Strings(ids)
	return ids
}
