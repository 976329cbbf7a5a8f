package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Avicted/chorus/internal/ipc"
)

const ipcWriteTimeout = 2 * time.Second

// IPCTransport connects a worker's fabric to the primary's Relay.
type IPCTransport struct {
	addr   string
	worker string
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func NewIPCTransport(addr, worker string) *IPCTransport {
	return &IPCTransport{addr: addr, worker: worker, dial: ipc.Dial}
}

func (t *IPCTransport) Publish(ctx context.Context, ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrTransportUnavailable
	}

	deadline := time.Now().Add(ipcWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	err := t.enc.Encode(ipc.Frame{Type: ipc.FrameEvent, Origin: ev.Origin, Seq: ev.Sequence, Content: ev.Content})
	if err != nil {
		_ = t.conn.Close()
		t.conn, t.enc = nil, nil
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

func (t *IPCTransport) Run(ctx context.Context, deliver func(Event)) error {
	conn, err := t.dial(ctx, t.addr)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	enc := ipc.NewEncoder(conn)
	if err := enc.Encode(ipc.Frame{Type: ipc.FrameHello, Worker: t.worker}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("relay hello: %w", err)
	}

	t.mu.Lock()
	t.conn, t.enc = conn, enc
	t.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn, t.enc = nil, nil
		}
		t.mu.Unlock()
		_ = conn.Close()
	}()

	dec := ipc.NewDecoder(conn)
	for {
		var f ipc.Frame
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("relay closed connection")
			}
			return fmt.Errorf("read relay frame: %w", err)
		}
		if f.Type != ipc.FrameEvent {
			continue
		}
		deliver(Event{Origin: f.Origin, Sequence: f.Seq, Content: f.Content})
	}
}

// Connected reports whether a relay connection is currently up.
func (t *IPCTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *IPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn, t.enc = nil, nil
		return err
	}
	return nil
}
