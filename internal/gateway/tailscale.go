// ABOUTME: Optional tailnet listeners via tsnet for the HTTP and gRPC servers
// ABOUTME: HTTP is served plain on :80, with Tailscale certs on :443, or publicly through Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/browtrix-gateway/internal/config"
)

// tailnetGRPCPort is where the gRPC health service listens on the tailnet.
const tailnetGRPCPort = ":50051"

// tailnetExposure is how the HTTP server is reachable on the tailnet.
type tailnetExposure int

const (
	exposePlain  tailnetExposure = iota // http on :80, tailnet only
	exposeTLS                           // https on :443 with tailnet certs
	exposeFunnel                        // https on :443, reachable from the internet
)

func (e tailnetExposure) String() string {
	switch e {
	case exposeTLS:
		return "https"
	case exposeFunnel:
		return "funnel"
	default:
		return "http"
	}
}

func (e tailnetExposure) port() string {
	if e == exposePlain {
		return ":80"
	}
	return ":443"
}

// exposureFor picks the HTTP exposure. Funnel implies HTTPS.
func exposureFor(ts config.TailscaleConfig) tailnetExposure {
	switch {
	case ts.Funnel:
		return exposeFunnel
	case ts.HTTPS:
		return exposeTLS
	default:
		return exposePlain
	}
}

// tailnetStateDir returns the configured tsnet state directory, or
// ~/.local/share/browtrix-gateway/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "browtrix-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key and falls back to TS_AUTHKEY.
// An empty result means tsnet will print an interactive login URL.
func tailnetAuthKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("TS_AUTHKEY")
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	ts := g.config.Tailscale

	dir, err := tailnetStateDir(ts.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tailnetAuthKey(ts.AuthKey)
	if authKey == "" {
		g.logger.Warn("no tailscale auth key configured, follow the login URL printed by tsnet")
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   authKey,
	}
	g.tsnetServer = srv

	// Everything opened so far is closed if a later step fails.
	var opened []net.Listener
	fail := func(err error) (net.Listener, net.Listener, error) {
		for _, ln := range opened {
			_ = ln.Close()
		}
		_ = srv.Close()
		g.tsnetServer = nil
		return nil, nil, err
	}

	g.logger.Info("starting tailscale node", "hostname", ts.Hostname, "state_dir", dir, "ephemeral", ts.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		return fail(fmt.Errorf("starting tailscale: %w", err))
	}
	g.logTailnetStatus(status)

	if g.grpcServer != nil {
		grpcLn, err = srv.Listen("tcp", tailnetGRPCPort)
		if err != nil {
			return fail(fmt.Errorf("listening on tailnet gRPC port: %w", err))
		}
		opened = append(opened, grpcLn)
	}

	httpLn, err = g.tailnetHTTPListener(srv, exposureFor(ts))
	if err != nil {
		return fail(err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailnetStatus(status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "tailscale_ip", ip, "dns_name", dnsName)
}

// tailnetHTTPListener opens the HTTP listener for the chosen exposure. The
// TLS exposure wraps a plain tailnet listener with certificates fetched
// through the local tailscale client.
func (g *Gateway) tailnetHTTPListener(srv *tsnet.Server, exp tailnetExposure) (net.Listener, error) {
	g.logger.Info("serving HTTP on the tailnet", "exposure", exp.String(), "port", exp.port())

	if exp == exposeFunnel {
		ln, err := srv.ListenFunnel("tcp", exp.port())
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := srv.Listen("tcp", exp.port())
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet %s port: %w", exp, err)
	}
	if exp == exposePlain {
		return ln, nil
	}

	lc, err := srv.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
