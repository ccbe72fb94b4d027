package browserpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// cdpRequest is one DevTools protocol command frame.
type cdpRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// cdpResponse is a command reply or an event; events carry no ID and
// are discarded by the read loop.
type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// cdpConn multiplexes DevTools commands over one websocket, correlating
// replies by frame ID. Flat session mode: page-scoped commands carry a
// sessionId on the same connection.
type cdpConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *cdpResponse
	closed  bool
	done    chan struct{}
}

func newCDPConn(wsURL string) (*cdpConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial devtools socket: %w", err)
	}

	c := &cdpConn{
		ws:      ws,
		pending: make(map[int64]chan *cdpResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpConn) readLoop() {
	defer c.failPending()
	for {
		var resp cdpResponse
		if err := c.ws.ReadJSON(&resp); err != nil {
			return
		}
		if resp.ID == 0 {
			// Protocol event; nothing here subscribes to events.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

// failPending unblocks every in-flight call when the socket dies.
func (c *cdpConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

// call sends one command and waits for its reply. sessionID scopes the
// command to an attached target; empty targets the browser itself.
func (c *cdpConn) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("devtools connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *cdpResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := cdpRequest{ID: id, Method: method, Params: params, SessionID: sessionID}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("devtools connection closed during %s", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *cdpConn) Close() error {
	return c.ws.Close()
}
