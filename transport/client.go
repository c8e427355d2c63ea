package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/arprotocol/arp-go/wire"
)

// ErrConnectionClosed is returned to every pending request once the client
// connection is closed or its receive loop terminates (spec.md §4.2); when
// the loop ends on a read error, that error is wrapped with it. A
// SendRequest/SendNotification made after Close fails with the error of the
// write on the closed connection.
var ErrConnectionClosed = errors.New("transport: connection closed")

// NotificationCallback handles one unsolicited inbound notification,
// dispatched by method name.
type NotificationCallback func(notif *wire.Notification)

// pendingResult is the completion value written to a PendingRequest's
// channel: either a decoded response or a delivery error.
type pendingResult struct {
	resp *wire.Response
	err  error
}

// Client maintains one WebSocket connection, a monotonically increasing
// request id, a pending-request map, and a single background receive loop
// (spec.md §4.2). It is grounded on the pending-channel correlation idiom of
// features/mcp/runtime/stdiocaller.go in the teacher repository.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan pendingResult

	callbacksMu sync.RWMutex
	callbacks   map[string]NotificationCallback

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	once      sync.Once
}

// Dial connects to url and starts the background receive loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		pending:   make(map[int64]chan pendingResult),
		callbacks: make(map[string]NotificationCallback),
		closed:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// OnNotification registers cb to handle unsolicited notifications for
// method. A second registration for the same method replaces the first.
func (c *Client) OnNotification(method string, cb NotificationCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.callbacks[method] = cb
}

// SendRequest allocates the next id, registers a completion slot, writes
// the frame, and blocks until the matching response arrives, ctx is
// cancelled, or the connection closes (spec.md §4.2). There is no built-in
// timeout; callers that want one should pass a context with a deadline.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (*wire.Response, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan pendingResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	raw, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.write(raw); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeError()
	}
}

// SendNotification writes a notification frame without awaiting any reply.
func (c *Client) SendNotification(method string, params any) error {
	raw, err := wire.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(raw)
}

// Close terminates the connection. Pending requests fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.failPending(ErrConnectionClosed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) receiveLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			// Malformed JSON at the client is silently skipped; it cannot
			// be correlated to a pending request (spec.md §4.1).
			continue
		}

		switch frame.Kind {
		case wire.KindResponse:
			c.resolve(frame.Resp)
		case wire.KindNotification:
			c.dispatchNotification(frame.Notif)
		default:
			// Requests and invalid shapes never arrive at a client.
		}
	}
}

func (c *Client) resolve(resp *wire.Response) {
	id, ok := idAsInt64(resp.ID)
	if !ok {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- pendingResult{resp: resp}
	}
}

func (c *Client) dispatchNotification(notif *wire.Notification) {
	c.callbacksMu.RLock()
	cb, ok := c.callbacks[notif.Method]
	c.callbacksMu.RUnlock()
	if ok {
		cb(notif)
	}
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan pendingResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}

	c.pendingMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.pendingMu.Unlock()

	// Close() and receiveLoop's read-error path can both reach failPending
	// concurrently (a local Close triggers the read error that also calls
	// failPending); closeOnce keeps the close(c.closed) a single event
	// instead of racing on the previous check-then-close pattern.
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) closeError() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closeErr == nil {
		return ErrConnectionClosed
	}
	return c.closeErr
}

// idAsInt64 coerces a JSON-RPC id (decoded as float64 by encoding/json, or
// already int64 when round-tripped in-process) back to the int64 this
// client used when it allocated the id.
func idAsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
