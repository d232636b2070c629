package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/devbridge/internal/dispatcher"
)

// replGroup is the object group results of typed expressions are cached
// under, so /release can drop them in one go.
const replGroup = "repl"

// Message is one inbound frame: a correlated reply when ID is set,
// otherwise a push.
type Message struct {
	ID     *int64            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Params json.RawMessage   `json:"params,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *dispatcher.Error `json:"error,omitempty"`
}

// Client is a minimal debugger client speaking the Runtime subset.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu  sync.Mutex
	incoming chan Message
	err      error
}

// Dial connects to a devbridge /ws endpoint. token may be empty. ctx
// bounds the handshake only.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(8 << 20)
	// The read loop outlives the dial context; Close ends it.
	c := &Client{conn: conn, incoming: make(chan Message, 64)}
	go c.readLoop(context.Background())
	return c, nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.incoming)
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			c.err = err
			return
		}
		c.incoming <- msg
	}
}

// Incoming yields every frame received; it is closed when the connection
// ends, after which Err reports why.
func (c *Client) Incoming() <-chan Message { return c.incoming }

func (c *Client) Err() error { return c.err }

// NextID reserves a request id.
func (c *Client) NextID() int64 { return c.nextID.Add(1) }

// Send writes {id, method, params}.
func (c *Client) Send(ctx context.Context, id int64, method string, params any) error {
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, req)
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
