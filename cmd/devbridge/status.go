package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/devbridge/internal/config"
)

type healthReport struct {
	Healthy       bool   `json:"healthy"`
	DBOK          bool   `json:"db_ok"`
	SessionActive bool   `json:"session_active"`
	SessionID     string `json:"session_id"`
	CachedObjects int    `json:"cached_objects"`
	ConfigHash    string `json:"config_hash"`
	Version       string `json:"version"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	raw := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			raw = true
		default:
			fmt.Fprintln(os.Stderr, "usage: devbridge status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL("http", cfg.BindAddr)+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var report healthReport
	if raw || json.Unmarshal(body, &report) != nil {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
	} else {
		printHealth(os.Stdout, report)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func printHealth(w io.Writer, r healthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "UNHEALTHY"
	}
	fmt.Fprintf(w, "devbridge %s: %s\n", r.Version, state)
	fmt.Fprintf(w, "  database:  %s\n", okText(r.DBOK))
	if r.SessionActive {
		fmt.Fprintf(w, "  session:   %s (%d cached objects)\n", r.SessionID, r.CachedObjects)
	} else {
		fmt.Fprintln(w, "  session:   none")
	}
	fmt.Fprintf(w, "  config:    %s\n", r.ConfigHash)
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

// baseURL turns bind_addr into scheme://host:port. Wildcard hosts are
// dialed on loopback.
func baseURL(scheme, addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0":
			host = "127.0.0.1"
		case "::":
			host = "::1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return scheme + "://" + addr
}
