// ABOUTME: browtrix_html_snapshot: captures the current page's HTML via GET_SNAPSHOT.
// ABOUTME: Oversized HTML is truncated before it is returned.

package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/browtrix-gateway/internal/broker"
)

// Request types understood by the browser client.
const (
	TypeSnapshot = "GET_SNAPSHOT"
	TypeConfirm  = "SHOW_CONFIRM"
	TypeInput    = "SHOW_INPUT"
)

// maxHTMLChars bounds the HTML returned to callers.
const maxHTMLChars = 1_000_000

// SnapshotArgs are the arguments of browtrix_html_snapshot.
type SnapshotArgs struct {
	WaitFor      *string `json:"wait_for"`
	FullPage     *bool   `json:"full_page"`
	WaitTimeout  *int    `json:"wait_timeout"`
	Quality      *int    `json:"quality"`
	ConnectionID string  `json:"connection_id"`
}

// SnapshotOptions are the validated snapshot settings.
type SnapshotOptions struct {
	WaitFor     string `json:"wait_for,omitempty"`
	FullPage    bool   `json:"full_page"`
	WaitTimeout int    `json:"wait_timeout"`
	Quality     int    `json:"quality"`
}

// Validate applies defaults and checks ranges.
func (a SnapshotArgs) Validate() (SnapshotOptions, error) {
	opts := SnapshotOptions{FullPage: true, WaitTimeout: 10, Quality: 100}
	if a.WaitFor != nil {
		if strings.TrimSpace(*a.WaitFor) == "" {
			return opts, argError("wait_for", "CSS selector cannot be empty")
		}
		opts.WaitFor = *a.WaitFor
	}
	if a.FullPage != nil {
		opts.FullPage = *a.FullPage
	}
	if a.WaitTimeout != nil {
		if err := checkRange("wait_timeout", *a.WaitTimeout, 1, 60); err != nil {
			return opts, err
		}
		opts.WaitTimeout = *a.WaitTimeout
	}
	if a.Quality != nil {
		if err := checkRange("quality", *a.Quality, 1, 100); err != nil {
			return opts, err
		}
		opts.Quality = *a.Quality
	}
	return opts, nil
}

// SnapshotResult is returned by browtrix_html_snapshot.
type SnapshotResult struct {
	HTMLContent     string          `json:"html_content"`
	PageURL         string          `json:"page_url,omitempty"`
	PageTitle       string          `json:"page_title,omitempty"`
	ContentSize     int             `json:"content_size"`
	Truncated       bool            `json:"truncated,omitempty"`
	SnapshotOptions SnapshotOptions `json:"snapshot_options"`
}

// NewSnapshotRequest builds a GET_SNAPSHOT envelope.
func NewSnapshotRequest(opts SnapshotOptions, limits Limits) *broker.Request {
	req := broker.NewRequest(TypeSnapshot)
	if opts.WaitFor != "" {
		req.Extra["wait_for"] = opts.WaitFor
	}
	req.Extra["full_page"] = opts.FullPage
	req.Extra["wait_timeout"] = opts.WaitTimeout
	req.Extra["quality"] = opts.Quality
	req.Timeout = limits.bound(seconds(opts.WaitTimeout) + responseGrace)
	return req
}

// SnapshotFromResponse extracts the snapshot from a successful response.
func SnapshotFromResponse(resp *broker.Response, opts SnapshotOptions) (*SnapshotResult, error) {
	html := stringField(resp, "html_content", "html")
	if html == "" {
		return nil, ErrEmptySnapshot
	}

	result := &SnapshotResult{
		PageURL:         stringField(resp, "page_url", "url"),
		PageTitle:       stringField(resp, "page_title", "title"),
		SnapshotOptions: opts,
	}
	if runes := []rune(html); len(runes) > maxHTMLChars {
		html = string(runes[:maxHTMLChars]) + "..."
		result.Truncated = true
	}
	result.HTMLContent = html
	result.ContentSize = len(html)
	return result, nil
}

func (r *Registry) snapshotTool() *Tool {
	return &Tool{
		Definition: Definition{
			Name: "browtrix_html_snapshot",
			Description: "Capture the HTML of the page open in the connected browser. " +
				"Optionally waits for a CSS selector before capturing. " +
				"Returns the HTML content, page URL, title and content size.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"wait_for":{"type":"string","description":"CSS selector to wait for before taking the snapshot"},` +
				`"full_page":{"type":"boolean","description":"Capture the full page rather than the visible area","default":true},` +
				`"wait_timeout":{"type":"integer","minimum":1,"maximum":60,"default":10,"description":"Seconds to wait for wait_for"},` +
				`"quality":{"type":"integer","minimum":1,"maximum":100,"default":100},` +
				`"connection_id":{"type":"string","description":"Target a specific browser connection"}}}`),
		},
		Handler: r.handleSnapshot,
	}
}

func (r *Registry) handleSnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SnapshotArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	opts, err := args.Validate()
	if err != nil {
		return nil, err
	}

	resp, err := r.sender.Send(ctx, NewSnapshotRequest(opts, r.cfg.Snapshot), args.ConnectionID)
	if err != nil {
		return nil, err
	}
	return SnapshotFromResponse(resp, opts)
}
