// ABOUTME: browtrix_confirmation_alert: shows a modal yes/no dialog via SHOW_CONFIRM.

package tools

import (
	"context"
	"encoding/json"

	"github.com/2389/browtrix-gateway/internal/broker"
)

const maxMessageChars = 1000

// ConfirmArgs are the arguments of browtrix_confirmation_alert.
type ConfirmArgs struct {
	Message      string  `json:"message"`
	Title        *string `json:"title"`
	Timeout      *int    `json:"timeout"`
	ConfirmText  *string `json:"confirm_text"`
	CancelText   *string `json:"cancel_text"`
	ConnectionID string  `json:"connection_id"`
}

// ConfirmOptions are the validated dialog settings.
type ConfirmOptions struct {
	Message     string `json:"-"`
	Title       string `json:"title"`
	Timeout     int    `json:"timeout"`
	ConfirmText string `json:"confirm_text"`
	CancelText  string `json:"cancel_text"`
}

// Validate applies defaults and checks the message and timeout.
func (a ConfirmArgs) Validate(defaultTimeout int) (ConfirmOptions, error) {
	opts := ConfirmOptions{
		Message:     a.Message,
		Title:       "Confirmation",
		Timeout:     defaultTimeout,
		ConfirmText: "Yes",
		CancelText:  "No",
	}
	if err := checkText("message", a.Message, maxMessageChars); err != nil {
		return opts, err
	}
	if a.Title != nil && *a.Title != "" {
		opts.Title = *a.Title
	}
	if a.Timeout != nil {
		if err := checkRange("timeout", *a.Timeout, 5, 300); err != nil {
			return opts, err
		}
		opts.Timeout = *a.Timeout
	}
	if a.ConfirmText != nil && *a.ConfirmText != "" {
		opts.ConfirmText = *a.ConfirmText
	}
	if a.CancelText != nil && *a.CancelText != "" {
		opts.CancelText = *a.CancelText
	}
	return opts, nil
}

// ConfirmResult is returned by browtrix_confirmation_alert.
type ConfirmResult struct {
	Approved        bool           `json:"approved"`
	SelectionTimeMs *float64       `json:"selection_time_ms"`
	AlertOptions    ConfirmOptions `json:"alert_options"`
}

// NewConfirmRequest builds a SHOW_CONFIRM envelope. dialog_timeout is how
// long the browser shows the dialog; the envelope timeout adds a grace period.
func NewConfirmRequest(opts ConfirmOptions, limits Limits) *broker.Request {
	req := broker.NewRequest(TypeConfirm)
	req.Extra["message"] = opts.Message
	req.Extra["title"] = opts.Title
	req.Extra["confirm_text"] = opts.ConfirmText
	req.Extra["cancel_text"] = opts.CancelText
	req.Extra["dialog_timeout"] = opts.Timeout
	req.Timeout = limits.bound(seconds(opts.Timeout) + responseGrace)
	return req
}

// ConfirmFromResponse extracts the user's choice. A missing approved field
// counts as not approved.
func ConfirmFromResponse(resp *broker.Response, opts ConfirmOptions) *ConfirmResult {
	return &ConfirmResult{
		Approved:        boolField(resp, "approved", false),
		SelectionTimeMs: numberField(resp, "selection_time_ms"),
		AlertOptions:    opts,
	}
}

func (r *Registry) confirmTool() *Tool {
	return &Tool{
		Definition: Definition{
			Name: "browtrix_confirmation_alert",
			Description: "Show a modal confirmation dialog in the connected browser and wait for the user. " +
				"Returns approved=true if the user confirmed, false if they cancelled or the dialog timed out.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"message":{"type":"string","maxLength":1000,"description":"What the user is asked to confirm"},` +
				`"title":{"type":"string","default":"Confirmation"},` +
				`"timeout":{"type":"integer","minimum":5,"maximum":300,"default":60,"description":"Seconds to wait for the user"},` +
				`"confirm_text":{"type":"string","default":"Yes"},` +
				`"cancel_text":{"type":"string","default":"No"},` +
				`"connection_id":{"type":"string","description":"Target a specific browser connection"}},` +
				`"required":["message"]}`),
		},
		Handler: r.handleConfirm,
	}
}

func (r *Registry) handleConfirm(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ConfirmArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	opts, err := args.Validate(dialogDefault(r.cfg.Confirm))
	if err != nil {
		return nil, err
	}

	resp, err := r.sender.Send(ctx, NewConfirmRequest(opts, r.cfg.Confirm), args.ConnectionID)
	if err != nil {
		return nil, err
	}
	return ConfirmFromResponse(resp, opts), nil
}

// dialogDefault converts a tool's default wait into a dialog timeout in
// whole seconds within the accepted 5-300 range.
func dialogDefault(l Limits) int {
	return min(max(int(l.DefaultTimeout.Seconds()), 5), 300)
}
