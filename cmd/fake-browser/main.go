// ABOUTME: Minimal fake browser for E2E testing: connects to /ws and answers snapshot, confirm and input requests.
// ABOUTME: Usage: fake-browser [-url ws://localhost:8000/ws] [-token T] [-id tab-1] [-approve] [-fail]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	url     string
	token   string
	id      string
	approve bool
	answer  string
	fail    bool
	delay   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8000/ws", "gateway WebSocket URL")
	flag.StringVar(&opts.token, "token", os.Getenv("BROWTRIX_TOKEN"), "browser-scoped bearer token")
	flag.StringVar(&opts.id, "id", "fake-browser", "client id reported to the gateway")
	flag.BoolVar(&opts.approve, "approve", true, "answer confirmation dialogs with approved=true")
	flag.StringVar(&opts.answer, "answer", "42", "value returned for input popups")
	flag.BoolVar(&opts.fail, "fail", false, "answer every request with success=false")
	flag.DurationVar(&opts.delay, "delay", 0, "wait this long before answering")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	u, err := url.Parse(opts.url)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", opts.id)
	u.RawQuery = q.Encode()

	header := http.Header{"User-Agent": []string{"fake-browser/1.0"}}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "connected to %s as %s\n", opts.url, opts.id)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				fmt.Fprintf(os.Stderr, "closed by gateway: %d %s\n", closeErr.Code, closeErr.Text)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		fmt.Fprintf(os.Stderr, "← %v %v\n", req["type"], req["id"])
		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}
		if err := conn.WriteJSON(answer(req, opts)); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
}

// answer builds the response frame for one request.
func answer(req map[string]any, opts options) map[string]any {
	resp := map[string]any{
		"id":                req["id"],
		"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
		"execution_time_ms": 12.5,
	}
	if opts.fail {
		resp["success"] = false
		resp["error"] = "simulated failure"
		return resp
	}

	resp["success"] = true
	switch req["type"] {
	case "GET_SNAPSHOT":
		resp["html_content"] = "<html><head><title>Fake Page</title></head><body><h1>Hello from fake-browser</h1></body></html>"
		resp["page_url"] = "https://example.test/"
		resp["page_title"] = "Fake Page"
	case "SHOW_CONFIRM":
		resp["approved"] = opts.approve
		resp["selection_time_ms"] = 850.0
	case "SHOW_INPUT":
		resp["value"] = opts.answer
		resp["validation_passed"] = true
		resp["input_time_ms"] = 1200.0
	default:
		resp["data"] = map[string]any{"echo": req["params"]}
	}
	return resp
}
