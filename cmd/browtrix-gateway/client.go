// ABOUTME: Operator subcommands that talk to a running gateway or mint tokens offline
// ABOUTME: health, sessions and stats query the HTTP API; token signs with the configured secret

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/browtrix-gateway/internal/auth"
	"github.com/2389/browtrix-gateway/internal/broker"
)

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	Subject string
	Scope   auth.Scope
	TTL     time.Duration
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "token subject (who the token is for)")
	scope := fs.String("scope", string(auth.ScopeTools), "browser, tools or admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime, 0 for no expiry")

	if err := fs.Parse(args); err != nil {
		return tokenArgs{}, err
	}
	if fs.NArg() > 0 {
		return tokenArgs{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	subject := strings.TrimSpace(*sub)
	if subject == "" {
		return tokenArgs{}, fmt.Errorf("--sub flag is required")
	}
	s, err := auth.ParseScope(*scope)
	if err != nil {
		return tokenArgs{}, err
	}
	if *ttl < 0 {
		return tokenArgs{}, fmt.Errorf("--ttl must not be negative")
	}
	return tokenArgs{Subject: subject, Scope: s, TTL: *ttl}, nil
}

func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled() {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(parsed.Subject, parsed.Scope, parsed.TTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// clientAddr turns a listen address into one a local client can dial.
func clientAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// readToken returns the admin token from BROWTRIX_TOKEN or the bootstrap token file.
func readToken() string {
	if tok := os.Getenv("BROWTRIX_TOKEN"); tok != "" {
		return tok
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiGet fetches path from the configured gateway and decodes the JSON body
// into out. Non-2xx statuses are returned alongside the decoded body.
func apiGet(ctx context.Context, path string, out any) (int, error) {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", clientAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if tok := readToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, fmt.Errorf("%s: %s (set BROWTRIX_TOKEN or run bootstrap)", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func runHealth(ctx context.Context) error {
	var report broker.HealthReport
	status, err := apiGet(ctx, "/health", &report)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	c := color.New(color.FgGreen)
	if status != http.StatusOK {
		c = color.New(color.FgYellow)
	}
	c.Println(report.Status)
	fmt.Printf("  connections: %d (%d healthy)\n", report.Connections, report.HealthyConnections)
	fmt.Printf("  pending:     %d\n", report.PendingRequests)
	fmt.Printf("  uptime:      %s\n", (time.Duration(report.UptimeSeconds) * time.Second).String())
	for name, state := range report.Components {
		fmt.Printf("  %-12s %s\n", name+":", state)
	}

	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	return nil
}

func runSessions(ctx context.Context) error {
	var body struct {
		Sessions []broker.SessionInfo `json:"sessions"`
	}
	if _, err := apiGet(ctx, "/api/sessions", &body); err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(body.Sessions) == 0 {
		fmt.Println("no browser sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBROWSER\tSTATUS\tREQUESTS\tERRORS\tLAST ACTIVITY")
	for _, s := range body.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.ClientID, s.Status, s.RequestCount, s.ErrorCount,
			s.LastActivity.Local().Format(time.Stamp))
	}
	return tw.Flush()
}

func runStats(ctx context.Context) error {
	var stats broker.Statistics
	if _, err := apiGet(ctx, "/stats", &stats); err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}

	fmt.Printf("connections:      %d\n", stats.TotalConnections)
	fmt.Printf("requests:         %d (%d ok, %d failed)\n", stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests)
	fmt.Printf("success rate:     %.1f%%\n", stats.SuccessRate)
	fmt.Printf("avg response:     %.1fms\n", stats.AverageResponseTimeMs)
	fmt.Printf("pending:          %d\n", len(stats.PendingRequests))
	return nil
}
