// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing and execution.
// ABOUTME: Validates auth handling, session ownership, and error mapping.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/browtrix-gateway/internal/auth"
	"github.com/2389/browtrix-gateway/internal/broker"
	"github.com/2389/browtrix-gateway/internal/tools"
)

// stubSender answers every broker request with a fixed response or error.
type stubSender struct {
	resp *broker.Response
	err  error
	got  []*broker.Request
}

func (s *stubSender) Send(_ context.Context, req *broker.Request, _ string) (*broker.Response, error) {
	s.got = append(s.got, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// stubVerifier accepts exactly one token.
type stubVerifier struct {
	token     string
	principal *auth.Principal
}

func (v *stubVerifier) Verify(token string) (*auth.Principal, error) {
	if token != v.token {
		return nil, auth.ErrInvalidToken
	}
	return v.principal, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, sender *stubSender, mutate func(*Config)) (*Server, *http.ServeMux) {
	t.Helper()
	cfg := Config{
		Tools:  tools.NewRegistry(sender, tools.DefaultConfig(), quietLogger()),
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return server, mux
}

func rpc(t *testing.T, mux http.Handler, sessionID, method string, params any, headers map[string]string) (*httptest.ResponseRecorder, JSONRPCResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp JSONRPCResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func initialize(t *testing.T, mux http.Handler, headers map[string]string) string {
	t.Helper()
	rec, resp := rpc(t, mux, "", "initialize", map[string]any{"protocolVersion": latestProtocolVersion}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
	sid := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)
	return sid
}

// decodeResult re-decodes a generic result into dst.
func decodeResult(t *testing.T, resp JSONRPCResponse, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Tools: tools.NewRegistry(&stubSender{}, tools.Config{}, nil), RequireAuth: true})
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)

	rec, resp := rpc(t, mux, "", "initialize", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	decodeResult(t, resp, &result)
	assert.Equal(t, latestProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "browtrix-gateway", result.ServerInfo.Name)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
}

func TestRequestsRequireSession(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)

	rec, _ := rpc(t, mux, "", "tools/list", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = rpc(t, mux, "no-such-session", "tools/list", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	rec, _ := rpc(t, mux, sid, "tools/list", nil, map[string]string{"Mcp-Protocol-Version": "1999-01-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsList(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	_, resp := rpc(t, mux, sid, "tools/list", nil, nil)
	require.Nil(t, resp.Error)

	var result MCPListToolsResult
	decodeResult(t, resp, &result)
	names := make([]string, 0, len(result.Tools))
	for _, d := range result.Tools {
		names = append(names, d.Name)
		assert.True(t, json.Valid(d.InputSchema), d.Name)
	}
	assert.Equal(t, []string{"browtrix_confirmation_alert", "browtrix_html_snapshot", "browtrix_question_popup"}, names)
}

func TestPing(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	_, resp := rpc(t, mux, sid, "ping", nil, nil)
	assert.Nil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	_, resp := rpc(t, mux, sid, "resources/list", nil, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
}

func TestNotificationAccepted(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	req.Header.Set("Mcp-Session-Id", sid)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMalformedRequests(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid JSON", `{not json`, JSONRPCParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, JSONRPCInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(tt.body))))
			var resp JSONRPCResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	t.Run("body too large", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), MaxRequestBodySize+10)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(big)))
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	})
}

func TestMethodNotAllowed(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, "/mcp", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}

func TestToolsCall_Success(t *testing.T) {
	sender := &stubSender{resp: &broker.Response{
		ID:      "x",
		Success: true,
		Data:    map[string]any{"approved": true, "selection_time_ms": 812.0},
	}}
	_, mux := newTestServer(t, sender, nil)
	sid := initialize(t, mux, nil)

	_, resp := rpc(t, mux, sid, "tools/call", map[string]any{
		"name":      "browtrix_confirmation_alert",
		"arguments": map[string]any{"message": "Deploy to production?"},
	}, nil)
	require.Nil(t, resp.Error)

	var result MCPCallToolResult
	decodeResult(t, resp, &result)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)

	var out tools.ConfirmResult
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &out))
	assert.True(t, out.Approved)
	assert.Equal(t, "Confirmation", out.AlertOptions.Title)

	require.Len(t, sender.got, 1)
	assert.Equal(t, tools.TypeConfirm, sender.got[0].Type)
}

func TestToolsCall_Errors(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		tool      string
		args      any
		wantCode  int
		wantIsErr bool
		wantText  string
	}{
		{
			name:     "unknown tool",
			tool:     "browtrix_teleport",
			wantCode: JSONRPCInvalidParams,
		},
		{
			name:     "invalid arguments",
			tool:     "browtrix_html_snapshot",
			args:     map[string]any{"quality": 500},
			wantCode: JSONRPCInvalidParams,
		},
		{
			name:      "no browser connected",
			sendErr:   broker.ErrNoActiveConnection,
			tool:      "browtrix_html_snapshot",
			wantIsErr: true,
			wantText:  "no web client connected",
		},
		{
			name:      "browser timeout",
			sendErr:   &broker.TimeoutError{Operation: tools.TypeSnapshot, Timeout: 15 * time.Second},
			tool:      "browtrix_html_snapshot",
			wantIsErr: true,
			wantText:  "browser did not respond in 15s",
		},
		{
			name:      "remote failure",
			sendErr:   &broker.RemoteError{RequestID: "r", Message: "selector never appeared"},
			tool:      "browtrix_html_snapshot",
			wantIsErr: true,
			wantText:  "selector never appeared",
		},
		{
			name:     "cancelled",
			sendErr:  fmt.Errorf("waiting: %w", context.Canceled),
			tool:     "browtrix_html_snapshot",
			wantCode: JSONRPCInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux := newTestServer(t, &stubSender{err: tt.sendErr}, nil)
			sid := initialize(t, mux, nil)

			params := map[string]any{"name": tt.tool}
			if tt.args != nil {
				params["arguments"] = tt.args
			}
			_, resp := rpc(t, mux, sid, "tools/call", params, nil)

			if tt.wantCode != 0 {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				return
			}
			require.Nil(t, resp.Error)
			var result MCPCallToolResult
			decodeResult(t, resp, &result)
			assert.Equal(t, tt.wantIsErr, result.IsError)
			require.Len(t, result.Content, 1)
			assert.Contains(t, result.Content[0].Text, tt.wantText)
		})
	}
}

func TestToolsCall_MissingName(t *testing.T) {
	_, mux := newTestServer(t, &stubSender{}, nil)
	sid := initialize(t, mux, nil)

	_, resp := rpc(t, mux, sid, "tools/call", map[string]any{}, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
}

func TestAuth(t *testing.T) {
	verifier := &stubVerifier{token: "good", principal: &auth.Principal{ID: "claude", Scope: auth.ScopeTools}}
	browserOnly := &stubVerifier{token: "good", principal: &auth.Principal{ID: "tab", Scope: auth.ScopeBrowser}}

	tests := []struct {
		name     string
		verifier auth.TokenVerifier
		require  bool
		headers  map[string]string
		wantOK   bool
	}{
		{name: "no auth configured", wantOK: true},
		{name: "optional auth without token", verifier: verifier, wantOK: true},
		{name: "required auth without token", verifier: verifier, require: true},
		{name: "valid bearer", verifier: verifier, require: true, headers: map[string]string{"Authorization": "Bearer good"}, wantOK: true},
		{name: "invalid bearer", verifier: verifier, headers: map[string]string{"Authorization": "Bearer bad"}},
		{name: "wrong scope", verifier: browserOnly, require: true, headers: map[string]string{"Authorization": "Bearer good"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mux := newTestServer(t, &stubSender{}, func(c *Config) {
				c.TokenVerifier = tt.verifier
				c.RequireAuth = tt.require
			})
			rec, resp := rpc(t, mux, "", "initialize", nil, tt.headers)
			require.Equal(t, http.StatusOK, rec.Code)
			if tt.wantOK {
				assert.Nil(t, resp.Error)
				assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
			} else {
				require.NotNil(t, resp.Error)
				assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
				assert.Empty(t, rec.Header().Get("Mcp-Session-Id"))
			}
		})
	}
}

func TestAuth_QueryToken(t *testing.T) {
	verifier := &stubVerifier{token: "good", principal: &auth.Principal{ID: "claude", Scope: auth.ScopeAdmin}}
	_, mux := newTestServer(t, &stubSender{}, func(c *Config) {
		c.TokenVerifier = verifier
		c.RequireAuth = true
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp?token=good",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
}

func TestDeleteSession(t *testing.T) {
	verifier := &stubVerifier{token: "good", principal: &auth.Principal{ID: "claude", Scope: auth.ScopeTools}}
	server, mux := newTestServer(t, &stubSender{}, func(c *Config) { c.TokenVerifier = verifier })

	sid := initialize(t, mux, map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, 1, server.SessionCount())

	del := func(id, token string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if id != "" {
			req.Header.Set("Mcp-Session-Id", id)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, del("", ""))
	assert.Equal(t, http.StatusNotFound, del("unknown", "good"))
	assert.Equal(t, http.StatusForbidden, del(sid, "someone-else"))
	assert.Equal(t, http.StatusNoContent, del(sid, "good"))
	assert.Equal(t, 0, server.SessionCount())

	rec, _ := rpc(t, mux, sid, "tools/list", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpireSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	server, mux := newTestServer(t, &stubSender{}, func(c *Config) {
		c.SessionTTL = time.Minute
		c.Now = func() time.Time { return now }
	})

	stale := initialize(t, mux, nil)
	now = now.Add(45 * time.Second)
	fresh := initialize(t, mux, nil)
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, server.ExpireSessions())
	assert.Equal(t, 1, server.SessionCount())

	rec, _ := rpc(t, mux, stale, "ping", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = rpc(t, mux, fresh, "ping", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
