// ABOUTME: Tool registry: definitions with JSON input schemas and the handlers behind them.
// ABOUTME: Handlers build broker requests through a Sender and map responses to results.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/2389/browtrix-gateway/internal/broker"
)

// Sender delivers a request to a browser session and waits for the answer.
// *broker.Broker satisfies it.
type Sender interface {
	Send(ctx context.Context, req *broker.Request, target string) (*broker.Response, error)
}

// Definition describes a tool to callers.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Handler executes a tool with raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}

// Limits bounds how long the broker waits for one tool's request.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Config holds per-tool wait limits.
type Config struct {
	Snapshot Limits
	Confirm  Limits
	Input    Limits
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Snapshot: Limits{DefaultTimeout: 10 * time.Second, MaxTimeout: 60 * time.Second},
		Confirm:  Limits{DefaultTimeout: 60 * time.Second, MaxTimeout: 300 * time.Second},
		Input:    Limits{DefaultTimeout: 60 * time.Second, MaxTimeout: 300 * time.Second},
	}
}

func (l Limits) withDefaults(d Limits) Limits {
	if l.DefaultTimeout <= 0 {
		l.DefaultTimeout = d.DefaultTimeout
	}
	if l.MaxTimeout <= 0 {
		l.MaxTimeout = d.MaxTimeout
	}
	if l.MaxTimeout < l.DefaultTimeout {
		l.MaxTimeout = l.DefaultTimeout
	}
	return l
}

// responseGrace is added to a dialog's own timeout so the browser can report
// the dismissal before the broker gives up.
const responseGrace = 5 * time.Second

// bound returns want clamped into [DefaultTimeout, MaxTimeout].
func (l Limits) bound(want time.Duration) time.Duration {
	return min(max(want, l.DefaultTimeout), l.MaxTimeout)
}

// Registry holds the browser tools.
type Registry struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
	tools  map[string]*Tool
}

// NewRegistry creates a registry with the snapshot, confirm and input tools.
func NewRegistry(sender Sender, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	cfg.Snapshot = cfg.Snapshot.withDefaults(d.Snapshot)
	cfg.Confirm = cfg.Confirm.withDefaults(d.Confirm)
	cfg.Input = cfg.Input.withDefaults(d.Input)

	r := &Registry{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		tools:  make(map[string]*Tool),
	}
	r.add(r.snapshotTool())
	r.add(r.confirmTool())
	r.add(r.inputTool())
	return r
}

func (r *Registry) add(t *Tool) {
	r.tools[t.Definition.Name] = t
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Call runs the named tool. Missing or null arguments are treated as {}.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	r.logger.Info("tool execution started", "tool", name)
	result, err := t.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "duration", time.Since(start), "error", err)
		return nil, err
	}
	r.logger.Info("tool execution completed", "tool", name, "duration", time.Since(start))
	return result, nil
}

// decodeArgs unmarshals args into dst, reporting malformed input as an
// argument error.
func decodeArgs(args json.RawMessage, dst any) error {
	if err := json.Unmarshal(args, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return argError(typeErr.Field, "expected %s", typeErr.Type)
		}
		return argError("arguments", "%v", err)
	}
	return nil
}

// seconds converts a whole-second argument to a duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// stringField returns the first non-empty string among names in resp.
func stringField(resp *broker.Response, names ...string) string {
	for _, name := range names {
		if v, ok := resp.Field(name); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// numberField returns a numeric field from resp, or nil.
func numberField(resp *broker.Response, name string) *float64 {
	v, ok := resp.Field(name)
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// boolField returns a boolean field from resp, or def when absent.
func boolField(resp *broker.Response, name string, def bool) bool {
	v, ok := resp.Field(name)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// checkText enforces a required, length-limited text argument.
func checkText(field, value string, maxLen int) error {
	if strings.TrimSpace(value) == "" {
		return argError(field, "required field is missing or empty")
	}
	if n := len([]rune(value)); n > maxLen {
		return argError(field, "too long (%d chars, max %d)", n, maxLen)
	}
	return nil
}

// checkRange enforces lo <= v <= hi.
func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return argError(field, "must be between %d and %d, got %d", lo, hi, v)
	}
	return nil
}
