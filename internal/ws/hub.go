package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"nhooyr.io/websocket"

	"github.com/Avicted/chorus/internal/fabric"
	"github.com/Avicted/chorus/internal/message"
	"github.com/Avicted/chorus/internal/securelog"
)

const (
	sendBuffer      = 256
	pendingLimit    = 1024
	writeTimeout    = 5 * time.Second
	submitTimeout   = 10 * time.Second
	defaultRingSize = 4096
	minPruneEvery   = time.Second
)

type Chat interface {
	Submit(ctx context.Context, token, content string) (message.AppendResult, error)
	Replay(ctx context.Context, after int64, fn func(message.Message) error) (int64, error)
	Latest(ctx context.Context) (int64, error)
}

type Options struct {
	// RecoveryWindow is how long a dropped session can resume without a
	// store replay. Zero disables resumption.
	RecoveryWindow time.Duration
	RingSize       int
	MessageRate    float64
	MessageBurst   int
	MaxContent     int
}

// Hub owns the sessions connected to this worker. All session state is
// touched only by the Run goroutine.
type Hub struct {
	chat   Chat
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	register   chan registration
	unregister chan *Client
	events     chan fabric.Event
	replayDone chan replayResult
	done       chan struct{}

	clients  map[*Client]struct{}
	ring     *recoveryRing
	sessions sessionTable
	nextEID  int64
	lastSeq  int64

	count atomic.Int64
}

type registration struct {
	client *Client
	sid    string
	eid    int64
	reply  chan bool
}

type replayResult struct {
	client   *Client
	floor    int64
	replayed map[int64]struct{}
	last     int64
}

func NewHub(chat Chat, opts Options, logger zerolog.Logger) *Hub {
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	return &Hub{
		chat:       chat,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		register:   make(chan registration),
		unregister: make(chan *Client),
		events:     make(chan fabric.Event, 256),
		replayDone: make(chan replayResult),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		ring:       newRecoveryRing(opts.RingSize),
		sessions:   make(sessionTable),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(max(h.opts.RecoveryWindow/4, minPruneEvery))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			h.clients = make(map[*Client]struct{})
			h.count.Store(0)
			return
		case reg := <-h.register:
			reg.reply <- h.admit(reg)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.events:
			h.broadcast(ev)
		case res := <-h.replayDone:
			h.finishReplay(res)
		case <-ticker.C:
			now := h.now()
			h.ring.pruneBefore(now.Add(-h.opts.RecoveryWindow))
			h.sessions.prune(now)
		}
	}
}

// Deliver implements fabric.Sink.
func (h *Hub) Deliver(ev fabric.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// admit adds the client and decides whether it resumes a suspended session.
// A resumed client gets its welcome and the events it missed right here;
// any other client starts in replay mode and buffers live events.
func (h *Hub) admit(reg registration) bool {
	c := reg.client
	h.clients[c] = struct{}{}
	h.count.Add(1)

	if sess, ok := h.sessions.take(reg.sid, h.now()); reg.sid != "" && ok {
		c.floor = sess.floor
		c.replayed = sess.replayed
		missed, ok := h.ring.after(reg.eid)
		missed = lo.Reject(missed, func(e ringEntry, _ int) bool { return c.replayedAlready(e.ev.Sequence) })
		if ok && len(missed) < sendBuffer {
			c.sessionID = reg.sid
			c.Send(encodeFrame(Frame{
				Type:         FrameWelcome,
				ConnectionID: c.id,
				SessionID:    c.sessionID,
				Recovered:    true,
				Latest:       h.lastSeq,
				EID:          reg.eid,
			}))
			for _, e := range missed {
				c.Send(encodeFrame(liveFrame(e)))
			}
			h.logger.Debug().Str("session", c.sessionID).Int("missed", len(missed)).Msg("session resumed")
			return true
		}
	}

	c.sessionID = uuid.NewString()
	c.floor = 0
	c.replayed = nil
	c.replaying = true
	c.baseEID = h.nextEID
	return false
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.count.Add(-1)
	if !c.replaying && h.opts.RecoveryWindow > 0 {
		h.sessions.suspend(c.sessionID, suspendedSession{
			until:    h.now().Add(h.opts.RecoveryWindow),
			floor:    c.floor,
			replayed: c.replayed,
		})
	}
	c.pending = nil
}

func (h *Hub) dropSlow(c *Client) {
	h.logger.Warn().Str("connection", c.id).Msg("disconnecting slow consumer")
	h.remove(c)
	c.close(websocket.StatusTryAgainLater, "slow consumer")
}

func (h *Hub) broadcast(ev fabric.Event) {
	h.nextEID++
	entry := ringEntry{eid: h.nextEID, ev: ev, at: h.now()}
	h.ring.push(entry)
	h.lastSeq = max(h.lastSeq, ev.Sequence)

	data := encodeFrame(liveFrame(entry))
	for c := range h.clients {
		if c.replaying {
			if len(c.pending) >= pendingLimit {
				h.dropSlow(c)
				continue
			}
			c.pending = append(c.pending, entry)
			continue
		}
		if c.replayedAlready(ev.Sequence) {
			continue
		}
		if !c.Send(data) {
			h.dropSlow(c)
		}
	}
}

// finishReplay flushes the live events held during replay, skipping the
// ones the replay already delivered, and marks the client caught up. The
// skip set stays with the client because a live event can reach the hub
// after the replay that already carried it.
func (h *Hub) finishReplay(res replayResult) {
	c := res.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	pending := c.pending
	c.pending = nil
	c.replaying = false

	c.floor = res.floor
	c.replayed = res.replayed

	for _, e := range pending {
		if c.replayedAlready(e.ev.Sequence) {
			continue
		}
		if !c.Send(encodeFrame(liveFrame(e))) {
			h.dropSlow(c)
			return
		}
	}
	if !c.Send(encodeFrame(Frame{Type: FrameReplayDone, Seq: res.last, EID: h.nextEID})) {
		h.dropSlow(c)
	}
}

func liveFrame(e ringEntry) Frame {
	return Frame{Type: FrameMessage, Seq: e.ev.Sequence, Content: e.ev.Content, EID: e.eid}
}

func encodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

type handshake struct {
	offset int64
	sid    string
	eid    int64
}

func parseHandshake(r *http.Request) (handshake, error) {
	q := r.URL.Query()
	var hs handshake
	var err error
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		hs.offset, err = strconv.ParseInt(v, 10, 64)
		if err != nil || hs.offset < 0 {
			return handshake{}, errors.New("invalid offset")
		}
	}
	if v := strings.TrimSpace(q.Get("eid")); v != "" {
		hs.eid, err = strconv.ParseInt(v, 10, 64)
		if err != nil || hs.eid < 0 {
			return handshake{}, errors.New("invalid eid")
		}
	}
	hs.sid = strings.TrimSpace(q.Get("sid"))
	if hs.sid != "" {
		if _, err := uuid.Parse(hs.sid); err != nil {
			return handshake{}, errors.New("invalid sid")
		}
	}
	return hs, nil
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	hs, err := parseHandshake(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if h.opts.MaxContent > 0 {
		conn.SetReadLimit(int64(h.opts.MaxContent)*2 + 1024)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := newClient(ctx, cancel, conn, h)

	reply := make(chan bool, 1)
	select {
	case h.register <- registration{client: c, sid: hs.sid, eid: hs.eid, reply: reply}:
	case <-h.done:
		_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	recovered := <-reply

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if !recovered {
		latest, err := h.chat.Latest(ctx)
		floor := latest
		if err != nil {
			floor = hs.offset
		}
		_ = c.enqueue(Frame{
			Type:         FrameWelcome,
			ConnectionID: c.id,
			SessionID:    c.sessionID,
			Latest:       latest,
			EID:          c.baseEID,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.replay(c, hs.offset, floor)
		}()
	}

	c.readLoop()
	c.close(websocket.StatusNormalClosure, "bye")
	cancel()
	wg.Wait()
}

// replay streams the log after offset to c, then hands control back to the
// hub. A read fault leaves the connection live without the backlog.
func (h *Hub) replay(c *Client, offset, floor int64) {
	replayed := make(map[int64]struct{})
	last, err := h.chat.Replay(c.ctx, offset, func(m message.Message) error {
		if m.Sequence > floor {
			replayed[m.Sequence] = struct{}{}
		}
		return c.enqueue(Frame{Type: FrameMessage, Seq: m.Sequence, Content: m.Content, Replay: true})
	})
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		_ = c.enqueue(Frame{Type: FrameError, Code: CodeReplayFailed, Message: "history unavailable"})
	}

	select {
	case h.replayDone <- replayResult{client: c, floor: floor, replayed: replayed, last: last}:
	case <-h.done:
	case <-c.ctx.Done():
	}
}

func (h *Hub) handleSend(c *Client, req sendRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), submitTimeout)
	defer cancel()

	res, err := h.chat.Submit(ctx, req.Token, req.Content)
	if err != nil {
		if errors.Is(err, message.ErrTokenRequired) {
			_ = c.enqueue(Frame{Type: FrameError, Code: CodeInvalidMessage, Message: "invalid token", AckID: req.AckID})
			return
		}
		securelog.Warn("ws.submit", err)
		_ = c.enqueue(Frame{Type: FrameError, Code: CodeStoreUnavailable, Message: "message not stored, retry", AckID: req.AckID})
		return
	}
	_ = c.enqueue(Frame{Type: FrameAck, AckID: req.AckID, Seq: res.Sequence, Duplicate: !res.IsNew()})
}
