// ABOUTME: Request and response envelopes exchanged with connected clients as JSON.
// ABOUTME: Core fields are typed; type-specific fields ride in an opaque Extra side-map.

package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Priority bounds. Priority is advisory; nothing schedules by it yet.
const (
	MinPriority = -10
	MaxPriority = 10
)

// Request is an outbound envelope. On the wire, Extra fields are flattened
// next to the core fields; core fields win on key collisions.
type Request struct {
	ID        string
	Type      string
	Params    map[string]any
	Timestamp time.Time
	Timeout   time.Duration
	Priority  int
	Extra     map[string]any
}

// NewRequest creates a request of the given type with empty params.
// Remaining defaults are filled in by Send.
func NewRequest(requestType string) *Request {
	return &Request{
		Type:   requestType,
		Params: make(map[string]any),
		Extra:  make(map[string]any),
	}
}

var requestCoreFields = map[string]bool{
	"id": true, "type": true, "params": true, "timestamp": true, "timeout": true, "priority": true,
}

// MarshalJSON flattens Extra into the envelope object.
func (r *Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+len(requestCoreFields))
	for k, v := range r.Extra {
		out[k] = v
	}
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	out["id"] = r.ID
	out["type"] = r.Type
	out["params"] = params
	out["timestamp"] = unixSeconds(r.Timestamp)
	out["timeout"] = r.Timeout.Seconds()
	out["priority"] = r.Priority
	return json.Marshal(out)
}

// UnmarshalJSON reads the core fields and keeps everything else in Extra.
func (r *Request) UnmarshalJSON(data []byte) error {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	req := Request{Extra: make(map[string]any)}
	if err := decodeField(frame, "id", &req.ID); err != nil {
		return err
	}
	if err := decodeField(frame, "type", &req.Type); err != nil {
		return err
	}
	if err := decodeField(frame, "params", &req.Params); err != nil {
		return err
	}
	var ts, timeout float64
	if err := decodeField(frame, "timestamp", &ts); err != nil {
		return err
	}
	if err := decodeField(frame, "timeout", &timeout); err != nil {
		return err
	}
	if err := decodeField(frame, "priority", &req.Priority); err != nil {
		return err
	}
	if ts > 0 {
		req.Timestamp = fromUnixSeconds(ts)
	}
	req.Timeout = time.Duration(timeout * float64(time.Second))

	for k, raw := range frame {
		if requestCoreFields[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		req.Extra[k] = v
	}
	*r = req
	return nil
}

// Response is an inbound envelope answering a Request with the same ID.
type Response struct {
	ID              string
	Success         bool
	Data            map[string]any
	Error           string
	Timestamp       time.Time
	ExecutionTimeMs *float64
	Extra           map[string]any
}

var responseCoreFields = map[string]bool{
	"id": true, "success": true, "data": true, "error": true, "timestamp": true, "execution_time_ms": true,
}

// Field looks a result field up in Data first, then in the flattened extras.
// Clients put results in either place.
func (r *Response) Field(name string) (any, bool) {
	if v, ok := r.Data[name]; ok {
		return v, true
	}
	v, ok := r.Extra[name]
	return v, ok
}

// MarshalJSON flattens Extra into the envelope object.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+len(responseCoreFields))
	for k, v := range r.Extra {
		out[k] = v
	}
	out["id"] = r.ID
	out["success"] = r.Success
	if r.Data != nil {
		out["data"] = r.Data
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if !r.Timestamp.IsZero() {
		out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if r.ExecutionTimeMs != nil {
		out["execution_time_ms"] = *r.ExecutionTimeMs
	}
	return json.Marshal(out)
}

// UnmarshalJSON validates the frame with the same rules Dispatch applies.
func (r *Response) UnmarshalJSON(data []byte) error {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	resp, err := parseResponse(frame, time.Now)
	if err != nil {
		return err
	}
	*r = *resp
	return nil
}

var errMissingID = errors.New("id: field required")

// parseResponse validates a decoded frame against the response schema.
func parseResponse(frame map[string]json.RawMessage, now func() time.Time) (*Response, error) {
	resp := &Response{Extra: make(map[string]any)}

	rawID, ok := frame["id"]
	if !ok || isNull(rawID) {
		return nil, errMissingID
	}
	if err := json.Unmarshal(rawID, &resp.ID); err != nil {
		return nil, fmt.Errorf("id: expected string: %w", err)
	}

	if raw, ok := frame["success"]; ok {
		if err := json.Unmarshal(raw, &resp.Success); err != nil || isNull(raw) {
			return nil, errors.New("success: expected boolean")
		}
	}

	if raw, ok := frame["data"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Data); err != nil {
			return nil, errors.New("data: expected object")
		}
	}

	if raw, ok := frame["error"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Error); err != nil {
			return nil, errors.New("error: expected string")
		}
	}

	if raw, ok := frame["execution_time_ms"]; ok && !isNull(raw) {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return nil, errors.New("execution_time_ms: expected number")
		}
		resp.ExecutionTimeMs = &ms
	}

	resp.Timestamp = now()
	if raw, ok := frame["timestamp"]; ok && !isNull(raw) {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		resp.Timestamp = ts
	}

	for k, raw := range frame {
		if responseCoreFields[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		resp.Extra[k] = v
	}
	return resp, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts unix seconds, unix milliseconds, or an ISO-8601 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		// Values this large cannot be seconds; treat them as milliseconds.
		if num > 2e10 {
			num /= 1000
		}
		return fromUnixSeconds(num), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, errors.New("expected number or string")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised datetime %q", s)
}

func decodeField(frame map[string]json.RawMessage, name string, dst any) error {
	raw, ok := frame[name]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
