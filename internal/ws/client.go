package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	limiter   *rate.Limiter
	id        string

	// Owned by the hub's Run goroutine.
	sessionID string
	replaying bool
	pending   []ringEntry
	baseEID   int64
	floor     int64
	replayed  map[int64]struct{}
}

func newClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, h *Hub) *Client {
	limit := rate.Inf
	if h.opts.MessageRate > 0 {
		limit = rate.Limit(h.opts.MessageRate)
	}
	return &Client{
		conn:    conn,
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, max(h.opts.MessageBurst, 1)),
		id:      uuid.NewString(),
	}
}

// replayedAlready reports whether the store replay delivered seq. Anything at
// or below floor was committed before the replay started.
func (c *Client) replayedAlready(seq int64) bool {
	if seq <= c.floor {
		return true
	}
	_, ok := c.replayed[seq]
	return ok
}

// Send queues msg without blocking. It reports false when the buffer is
// full or the connection is gone.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// enqueue blocks until f is queued or the connection is gone.
func (c *Client) enqueue(f Frame) error {
	select {
	case c.send <- encodeFrame(f):
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.leave()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			var f Frame
			_ = json.Unmarshal(data, &f)
			_ = c.enqueue(Frame{Type: FrameError, Code: CodeRateLimited, Message: "too many messages", AckID: f.AckID})
			continue
		}
		req, err := decodeSend(data, c.hub.opts.MaxContent)
		if err != nil {
			var derr *decodeError
			if errors.As(err, &derr) {
				_ = c.enqueue(Frame{Type: FrameError, Code: derr.code, Message: derr.msg, AckID: derr.ackID})
			}
			continue
		}
		c.hub.handleSend(c, req)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// close runs the close handshake off the caller's goroutine since the hub
// must not wait on a peer.
func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		go func() {
			_ = c.conn.Close(status, reason)
			c.cancel()
		}()
	})
}
