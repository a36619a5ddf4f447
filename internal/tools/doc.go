// Package tools turns tool calls into broker requests and broker responses
// into tool results.
//
// Three tools are provided:
//
//   - browtrix_html_snapshot sends GET_SNAPSHOT and returns the page HTML.
//   - browtrix_confirmation_alert sends SHOW_CONFIRM and returns whether the
//     user approved.
//   - browtrix_question_popup sends SHOW_INPUT and returns the typed value.
//
// Arguments are validated before anything is sent. A validation failure is an
// *ArgumentError (matching ErrInvalidArguments); everything else a tool
// returns comes from the broker and keeps the broker's error identity.
package tools
