// ABOUTME: browtrix_question_popup: asks the user for a value via SHOW_INPUT.
// ABOUTME: Unknown input types and validation modes fall back to text and any.

package tools

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/2389/browtrix-gateway/internal/broker"
)

var inputTypes = map[string]bool{"text": true, "email": true, "password": true, "number": true}

var validationModes = map[string]bool{"any": true, "email": true, "number": true, "url": true, "regex": true}

// InputArgs are the arguments of browtrix_question_popup.
type InputArgs struct {
	Question          string  `json:"question"`
	Title             *string `json:"title"`
	InputType         string  `json:"input_type"`
	Placeholder       string  `json:"placeholder"`
	Validation        string  `json:"validation"`
	ValidationPattern string  `json:"validation_pattern"`
	Required          *bool   `json:"required"`
	Timeout           *int    `json:"timeout"`
	ConnectionID      string  `json:"connection_id"`
}

// InputOptions are the validated popup settings.
type InputOptions struct {
	Question          string `json:"-"`
	Title             string `json:"title"`
	InputType         string `json:"input_type"`
	Placeholder       string `json:"-"`
	Validation        string `json:"validation"`
	ValidationPattern string `json:"-"`
	Required          bool   `json:"required"`
	Timeout           int    `json:"timeout"`
}

// Validate applies defaults, normalises the input type and validation mode,
// and checks the question, timeout and pattern.
func (a InputArgs) Validate(defaultTimeout int) (InputOptions, error) {
	opts := InputOptions{
		Question:    a.Question,
		Title:       "Input Required",
		InputType:   "text",
		Placeholder: a.Placeholder,
		Validation:  "any",
		Required:    true,
		Timeout:     defaultTimeout,
	}
	if err := checkText("question", a.Question, maxMessageChars); err != nil {
		return opts, err
	}
	if a.Title != nil && *a.Title != "" {
		opts.Title = *a.Title
	}
	if inputTypes[a.InputType] {
		opts.InputType = a.InputType
	}
	if validationModes[a.Validation] {
		opts.Validation = a.Validation
	}
	if opts.Validation == "regex" {
		if a.ValidationPattern == "" {
			return opts, argError("validation_pattern", "required when validation is regex")
		}
		if _, err := regexp.Compile(a.ValidationPattern); err != nil {
			return opts, argError("validation_pattern", "invalid pattern: %v", err)
		}
		opts.ValidationPattern = a.ValidationPattern
	}
	if a.Required != nil {
		opts.Required = *a.Required
	}
	if a.Timeout != nil {
		if err := checkRange("timeout", *a.Timeout, 5, 300); err != nil {
			return opts, err
		}
		opts.Timeout = *a.Timeout
	}
	return opts, nil
}

// InputResult is returned by browtrix_question_popup.
type InputResult struct {
	Value            string       `json:"value"`
	ValidationPassed bool         `json:"validation_passed"`
	InputTimeMs      *float64     `json:"input_time_ms"`
	PopupOptions     InputOptions `json:"popup_options"`
}

// NewInputRequest builds a SHOW_INPUT envelope.
func NewInputRequest(opts InputOptions, limits Limits) *broker.Request {
	req := broker.NewRequest(TypeInput)
	req.Extra["message"] = opts.Question
	req.Extra["title"] = opts.Title
	req.Extra["input_type"] = opts.InputType
	req.Extra["validation"] = opts.Validation
	req.Extra["required"] = opts.Required
	req.Extra["dialog_timeout"] = opts.Timeout
	if opts.Placeholder != "" {
		req.Extra["placeholder"] = opts.Placeholder
	}
	if opts.ValidationPattern != "" {
		req.Extra["validation_pattern"] = opts.ValidationPattern
	}
	req.Timeout = limits.bound(seconds(opts.Timeout) + responseGrace)
	return req
}

// InputFromResponse extracts the user's value, enforcing Required.
func InputFromResponse(resp *broker.Response, opts InputOptions) (*InputResult, error) {
	value := stringField(resp, "value")
	if opts.Required && value == "" {
		return nil, ErrRequiredInputMissing
	}
	return &InputResult{
		Value:            value,
		ValidationPassed: boolField(resp, "validation_passed", true),
		InputTimeMs:      numberField(resp, "input_time_ms"),
		PopupOptions:     opts,
	}, nil
}

func (r *Registry) inputTool() *Tool {
	return &Tool{
		Definition: Definition{
			Name: "browtrix_question_popup",
			Description: "Show an input popup in the connected browser and wait for the user to answer. " +
				"Supports text, email, password and number inputs with optional validation.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"question":{"type":"string","maxLength":1000,"description":"What the user should enter"},` +
				`"title":{"type":"string","default":"Input Required"},` +
				`"input_type":{"type":"string","enum":["text","email","password","number"],"default":"text"},` +
				`"placeholder":{"type":"string"},` +
				`"validation":{"type":"string","enum":["any","email","number","url","regex"],"default":"any"},` +
				`"validation_pattern":{"type":"string","description":"Pattern used when validation is regex"},` +
				`"required":{"type":"boolean","default":true},` +
				`"timeout":{"type":"integer","minimum":5,"maximum":300,"default":60,"description":"Seconds to wait for the user"},` +
				`"connection_id":{"type":"string","description":"Target a specific browser connection"}},` +
				`"required":["question"]}`),
		},
		Handler: r.handleInput,
	}
}

func (r *Registry) handleInput(ctx context.Context, raw json.RawMessage) (any, error) {
	var args InputArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	opts, err := args.Validate(dialogDefault(r.cfg.Input))
	if err != nil {
		return nil, err
	}

	resp, err := r.sender.Send(ctx, NewInputRequest(opts, r.cfg.Input), args.ConnectionID)
	if err != nil {
		return nil, err
	}
	return InputFromResponse(resp, opts)
}
