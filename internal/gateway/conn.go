package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/devbridge/internal/dispatcher"
)

const defaultWriteTimeout = 10 * time.Second

// conn is the outbound side of one websocket. It implements
// dispatcher.Notifier; every frame goes through mu so pushes from the VM
// worker never interleave with replies from the read loop.
type conn struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	mu sync.Mutex
}

func newConn(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &conn{ws: ws, remoteAddr: remoteAddr, writeTimeout: writeTimeout}
}

func (c *conn) write(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, payload)
}

func (c *conn) Notify(method string, params any) error {
	return c.write(dispatcher.Notification{Method: method, Params: params})
}

func (c *conn) Raw(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, []byte(text))
}

func (c *conn) reply(resp *dispatcher.Response) error {
	return c.write(resp)
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}
