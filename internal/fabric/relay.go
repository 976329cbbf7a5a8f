package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Avicted/chorus/internal/ipc"
	"github.com/Avicted/chorus/internal/securelog"
)

const relayWriteTimeout = 2 * time.Second

// Relay runs in the primary process. Each worker's IPCTransport connects to
// it, and every event frame from one worker is re-sent to all the others.
type Relay struct {
	addr   string
	logger zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	peers map[net.Conn]*relayPeer
}

type relayPeer struct {
	conn net.Conn
	enc  *json.Encoder
	name string
	mu   sync.Mutex
}

func (p *relayPeer) send(f ipc.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return p.enc.Encode(f)
}

func NewRelay(addr string, logger zerolog.Logger) *Relay {
	return &Relay{addr: addr, logger: logger, peers: make(map[net.Conn]*relayPeer)}
}

// Listen binds the relay address. Call it before starting workers so their
// first dial succeeds.
func (r *Relay) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return nil
	}
	ln, err := ipc.Listen(r.addr)
	if err != nil {
		return err
	}
	r.ln = ln
	return nil
}

func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handleConn(conn)
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		_ = r.ln.Close()
		r.ln = nil
	}
	for conn := range r.peers {
		_ = conn.Close()
	}
	r.peers = make(map[net.Conn]*relayPeer)
	return nil
}

func (r *Relay) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Relay) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := ipc.NewDecoder(conn)

	var hello ipc.Frame
	if err := dec.Decode(&hello); err != nil || hello.Type != ipc.FrameHello {
		r.logger.Warn().Msg("relay peer did not say hello")
		return
	}
	peer := &relayPeer{conn: conn, enc: ipc.NewEncoder(conn), name: hello.Worker}
	r.track(peer)
	defer r.untrack(conn)
	r.logger.Info().Str("peer", peer.name).Msg("relay peer connected")

	for {
		var f ipc.Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				securelog.Warn("relay.decode", err)
			}
			r.logger.Info().Str("peer", peer.name).Msg("relay peer disconnected")
			return
		}
		if f.Type != ipc.FrameEvent {
			continue
		}
		r.forward(peer, f)
	}
}

func (r *Relay) forward(from *relayPeer, f ipc.Frame) {
	r.mu.Lock()
	targets := make([]*relayPeer, 0, len(r.peers))
	for conn, p := range r.peers {
		if conn != from.conn {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.send(f); err != nil {
			// The peer's read loop sees the close and untracks it.
			securelog.Warn("relay.forward", err)
			_ = p.conn.Close()
		}
	}
}

func (r *Relay) track(p *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.conn] = p
}

func (r *Relay) untrack(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, conn)
}
