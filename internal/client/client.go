// Package client is a reconnecting chat client for the /ws endpoint. It
// keeps the resume position across connections and retries sends under a
// stable idempotency token until the server acknowledges them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/Avicted/chorus/internal/ws"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotAcked     = errors.New("message not acknowledged")
)

const (
	defaultAckTimeout  = 5 * time.Second
	defaultMaxAttempts = 5
	defaultMinBackoff  = 200 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	eventBuffer        = 256
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventMessage
	EventReplayDone
	EventDisconnected
	EventError
)

type Event struct {
	Kind      EventKind
	Seq       int64
	Content   string
	Replay    bool
	Recovered bool
	Code      string
	Err       error
}

type Ack struct {
	Token     string
	Seq       int64
	Duplicate bool
}

type Options struct {
	URL         string
	AckTimeout  time.Duration
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

type Client struct {
	opts   Options
	logger zerolog.Logger
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	offset  int64
	sid     string
	eid     int64
	waiters map[string]chan ws.Frame
}

func New(opts Options, logger zerolog.Logger) *Client {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
		waiters: make(map[string]chan ws.Frame),
	}
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// Offset is the highest sequence received so far.
func (c *Client) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps a connection open until ctx is done, reconnecting with backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.emit(ctx, Event{Kind: EventDisconnected, Err: err})
		if time.Since(started) > c.opts.MaxBackoff {
			backoff = c.opts.MinBackoff
		}
		c.logger.Debug().Err(err).Dur("backoff", backoff).Msg("reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	c.mu.Lock()
	q := u.Query()
	q.Set("offset", strconv.FormatInt(c.offset, 10))
	if c.sid != "" {
		q.Set("sid", c.sid)
		q.Set("eid", strconv.FormatInt(c.eid, 10))
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) session(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, f ws.Frame) {
	c.mu.Lock()
	if f.EID > 0 {
		c.eid = f.EID
	}
	switch f.Type {
	case ws.FrameWelcome:
		if !f.Recovered {
			c.eid = f.EID
		}
		c.sid = f.SessionID
		c.mu.Unlock()
		c.emit(ctx, Event{Kind: EventConnected, Recovered: f.Recovered, Seq: f.Latest})
	case ws.FrameMessage:
		c.offset = max(c.offset, f.Seq)
		c.mu.Unlock()
		c.emit(ctx, Event{Kind: EventMessage, Seq: f.Seq, Content: f.Content, Replay: f.Replay})
	case ws.FrameReplayDone:
		c.mu.Unlock()
		c.emit(ctx, Event{Kind: EventReplayDone, Seq: f.Seq})
	case ws.FrameAck, ws.FrameError:
		waiter := c.waiters[f.AckID]
		c.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- f:
			default:
			}
			return
		}
		if f.Type == ws.FrameError {
			c.emit(ctx, Event{Kind: EventError, Code: f.Code, Err: errors.New(f.Message)})
		}
	default:
		c.mu.Unlock()
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Send submits content and waits for the acknowledgement, retrying with the
// same token after a timeout, a store fault or a dropped connection.
func (c *Client) Send(ctx context.Context, content string) (Ack, error) {
	token := uuid.NewString()
	waiter := make(chan ws.Frame, 1)
	c.mu.Lock()
	c.waiters[token] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, token)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(ws.Frame{Type: ws.FrameMessageSend, Token: token, Content: content, AckID: token})
	if err != nil {
		return Ack{}, err
	}

	backoff := c.opts.MinBackoff
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Ack{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.opts.MaxBackoff)
		}

		f, err := c.attempt(ctx, data, waiter)
		if err != nil {
			lastErr = err
			continue
		}
		switch f.Type {
		case ws.FrameAck:
			return Ack{Token: token, Seq: f.Seq, Duplicate: f.Duplicate}, nil
		case ws.FrameError:
			if f.Code != ws.CodeStoreUnavailable && f.Code != ws.CodeRateLimited {
				return Ack{}, fmt.Errorf("%s: %s", f.Code, f.Message)
			}
			lastErr = fmt.Errorf("%s: %s", f.Code, f.Message)
		}
	}
	return Ack{}, fmt.Errorf("%w after %d attempts: %w", ErrNotAcked, c.opts.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, data []byte, waiter chan ws.Frame) (ws.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ws.Frame{}, ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return ws.Frame{}, fmt.Errorf("write: %w", err)
	}
	select {
	case f := <-waiter:
		return f, nil
	case <-writeCtx.Done():
		if ctx.Err() != nil {
			return ws.Frame{}, ctx.Err()
		}
		return ws.Frame{}, errors.New("ack timeout")
	}
}
