package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestClient_SendAndReceive(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		_ = wsjson.Write(ctx, ws, map[string]any{"method": "Runtime.consoleAPICalled", "params": map[string]any{"type": "log"}})
		var req map[string]any
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			return
		}
		_ = wsjson.Write(ctx, ws, map[string]any{"id": req["id"], "result": map[string]any{"echo": req["method"]}})
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if auth := <-gotAuth; auth != "Bearer secret" {
		t.Fatalf("Authorization = %q", auth)
	}

	push := <-c.Incoming()
	if push.ID != nil || push.Method != "Runtime.consoleAPICalled" {
		t.Fatalf("push = %+v", push)
	}

	id := c.NextID()
	if err := c.Send(ctx, id, "Runtime.enable", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := <-c.Incoming()
	if msg.ID == nil || *msg.ID != id || !strings.Contains(string(msg.Result), "Runtime.enable") {
		t.Fatalf("reply = %+v", msg)
	}

	if _, ok := <-c.Incoming(); ok {
		t.Fatal("expected channel close after server hangup")
	}
	if c.Err() == nil {
		t.Fatal("Err should report the close")
	}
}

func TestDial_ReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401 status", err)
	}
}
