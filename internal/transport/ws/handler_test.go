// ABOUTME: End-to-end tests of the WebSocket handler against a real broker.
// ABOUTME: Uses httptest servers and gorilla's client dialer as the browser.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/browtrix-gateway/internal/broker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, bcfg broker.Config, cfg Config) (*broker.Broker, *Handler, *httptest.Server) {
	t.Helper()
	b := broker.New(bcfg, broker.WithLogger(discardLogger()))
	h := NewHandler(b, cfg, discardLogger())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.CloseAll(CloseGoingAway, "test done")
		srv.Close()
	})
	return b, h, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHandler_AdmitsWithClientIdentity(t *testing.T) {
	b, h, srv := newTestServer(t, broker.DefaultConfig(), Config{})
	header := http.Header{"User-Agent": []string{"FakeBrowser/1.0"}}
	dial(t, wsURL(srv, "client_id=tab-7"), header)

	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.ActiveConnections())

	info := b.Sessions()[0]
	assert.Equal(t, "tab-7", info.ClientID)
	assert.Equal(t, "FakeBrowser/1.0", info.UserAgent)
}

func TestHandler_RoundTrip(t *testing.T) {
	b, _, srv := newTestServer(t, broker.DefaultConfig(), Config{})
	client := dial(t, wsURL(srv, ""), nil)
	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		var req map[string]any
		if err := client.ReadJSON(&req); err != nil {
			return
		}
		_ = client.WriteJSON(map[string]any{
			"id":      req["id"],
			"success": true,
			"data":    map[string]any{"echo": req["type"]},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := b.Send(ctx, broker.NewRequest("GET_HTML"), "")
	require.NoError(t, err)
	echo, ok := resp.Field("echo")
	require.True(t, ok)
	assert.Equal(t, "GET_HTML", echo)
}

func TestHandler_DisconnectRemovesSession(t *testing.T) {
	b, h, srv := newTestServer(t, broker.DefaultConfig(), Config{})
	client := dial(t, wsURL(srv, ""), nil)
	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 1 }, time.Second, 5*time.Millisecond)

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = client.Close()

	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.ActiveConnections())
	require.Len(t, b.Sessions(), 1)
	assert.False(t, b.Sessions()[0].IsActive)
}

func TestHandler_RejectsOverCapacity(t *testing.T) {
	bcfg := broker.DefaultConfig()
	bcfg.MaxConnections = 1
	b, _, srv := newTestServer(t, bcfg, Config{})

	dial(t, wsURL(srv, ""), nil)
	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 1 }, time.Second, 5*time.Millisecond)

	rejected := dial(t, wsURL(srv, ""), nil)
	_ = rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := rejected.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, broker.CloseCapacityExceeded, closeErr.Code)
	assert.Equal(t, "Connection limit reached", closeErr.Text)
	assert.Len(t, b.ActiveSessionIDs(), 1)
}

func TestHandler_AdmissionRateLimited(t *testing.T) {
	_, _, srv := newTestServer(t, broker.DefaultConfig(), Config{AdmissionRate: 0.001, AdmissionBurst: 1})
	dial(t, wsURL(srv, ""), nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandler_OriginCheck(t *testing.T) {
	_, _, srv := newTestServer(t, broker.DefaultConfig(), Config{AllowedOrigins: []string{"https://app.example.com"}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dial(t, wsURL(srv, ""), http.Header{"Origin": []string{"https://app.example.com"}})
	dial(t, wsURL(srv, ""), nil)
}

func TestHandler_IdleSweepClosesSocket(t *testing.T) {
	bcfg := broker.DefaultConfig()
	bcfg.MaxIdleTime = time.Millisecond
	b, _, srv := newTestServer(t, bcfg, Config{})
	client := dial(t, wsURL(srv, ""), nil)
	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	require.Len(t, b.SweepIdle(), 1)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, broker.CloseIdleTimeout, closeErr.Code)
	assert.Equal(t, "idle timeout", closeErr.Text)
}

func TestHandler_CloseAll(t *testing.T) {
	b, h, srv := newTestServer(t, broker.DefaultConfig(), Config{})
	client := dial(t, wsURL(srv, ""), nil)
	require.Eventually(t, func() bool { return h.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	h.CloseAll(CloseGoingAway, "server shutting down")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	require.Eventually(t, func() bool { return len(b.ActiveSessionIDs()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConn_SendJSONEncodesFrame(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		wsConn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newConn(wsConn, time.Second)
		_ = conn.SendJSON(context.Background(), map[string]any{"id": "r1", "type": "CONFIRM"})
		_ = conn.Close(websocket.CloseNormalClosure, "done")
		assert.NoError(t, conn.Close(websocket.CloseNormalClosure, "again"))
	}))
	defer srv.Close()

	client := dial(t, wsURL(srv, ""), nil)
	go func() {
		var frame map[string]any
		if err := client.ReadJSON(&frame); err == nil {
			received <- frame
		}
	}()

	select {
	case frame := <-received:
		assert.Equal(t, "r1", frame["id"])
		assert.Equal(t, "CONFIRM", frame["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}

	var raw json.RawMessage
	assert.Error(t, client.ReadJSON(&raw), "socket should be closed after the frame")
}
