package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("bridge connection closed")

// Client is a WebSocket bridge client.
type Client struct {
	conn *wsConn

	mu      sync.Mutex
	pending map[string]chan Frame
	err     error

	events chan Event
	done   chan struct{}
}

// Dial connects to a bridge server at url (ws://host:port/bridge).
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", url, err)
	}
	c := &Client{
		conn:    &wsConn{conn: conn},
		pending: make(map[string]chan Frame),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes method on the server and waits for its answer. Method
// failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.write(Frame{Type: FrameCall, ID: id, Method: method, Args: raw}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f := <-ch:
		if f.Type == FrameError {
			if f.Error == nil {
				return nil, Errorf(CodeInternal, "empty error frame")
			}
			return nil, f.Error
		}
		return f.Result, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe asks the server to push events to this client.
func (c *Client) Subscribe() error {
	return c.conn.write(Frame{Type: FrameSubscribe})
}

// Events returns pushed events. The channel is closed when the connection
// ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.mu.Lock()
	_ = c.conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.conn.mu.Unlock()
	return c.conn.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var f Frame
		if err := c.conn.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameResult, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameEvent:
			select {
			case c.events <- Event{Name: f.Event, Payload: f.Payload}:
			default:
			}
		}
	}
}
