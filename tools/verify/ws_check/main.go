// Command ws_check probes a running devbridge daemon: auth rejection, the
// connect-time pushes, an evaluate round trip and single-session
// enforcement. It prints one line per check and VERDICT PASS on success.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8181/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "auth token; enables the missing-token check")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *url, strings.TrimSpace(*token)); err != nil {
		fmt.Fprintf(os.Stderr, "VERDICT FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, url, token string) error {
	var opts *websocket.DialOptions
	if token != "" {
		_, resp, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			return errors.New("dial without token succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			return fmt.Errorf("missing token: want 401, got %v (%v)", resp, err)
		}
		fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", resp.StatusCode)
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for _, want := range []string{"Runtime.executionContextCreated", "Runtime.consoleAPICalled"} {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read push: %w", err)
		}
		if f.Method != want {
			return fmt.Errorf("push order: want %s, got %q", want, f.Method)
		}
		fmt.Printf("PUSH %s\n", f.Method)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{
		"id": 1, "method": "Runtime.evaluate", "params": map[string]any{"expression": "1 + 1"},
	}); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if f.Error != nil {
		return fmt.Errorf("evaluate: %d %s", f.Error.Code, f.Error.Message)
	}
	var res struct {
		Result struct {
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil || res.Result.Type != "number" || res.Result.Value != 2 {
		return fmt.Errorf("evaluate 1 + 1: unexpected result %s", f.Result)
	}
	fmt.Println("EVALUATE 1 + 1 = 2")

	second, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("second dial: %w", err)
	}
	defer second.CloseNow()
	_, _, err = second.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		return fmt.Errorf("second session: want policy violation close, got %v", err)
	}
	fmt.Println("SINGLE_SESSION second connection rejected")
	return nil
}
