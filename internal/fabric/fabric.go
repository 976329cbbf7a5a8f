package fabric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Avicted/chorus/internal/securelog"
)

const (
	incomingBuffer    = 256
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

type Fabric struct {
	origin    string
	transport Transport
	logger    zerolog.Logger

	incoming chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	sinks  map[int]Sink
	nextID int

	minBackoff time.Duration
	maxBackoff time.Duration

	delivered       atomic.Int64
	forwarded       atomic.Int64
	forwardFailures atomic.Int64
	remote          atomic.Int64
}

type Option func(*Fabric)

// WithBackoff bounds the delay between transport reconnect attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(f *Fabric) {
		if minDelay > 0 {
			f.minBackoff = minDelay
		}
		if maxDelay >= f.minBackoff {
			f.maxBackoff = maxDelay
		}
	}
}

func New(origin string, transport Transport, logger zerolog.Logger, opts ...Option) *Fabric {
	if transport == nil {
		transport = NopTransport{}
	}
	f := &Fabric{
		origin:     origin,
		transport:  transport,
		logger:     logger,
		incoming:   make(chan Event, incomingBuffer),
		done:       make(chan struct{}),
		sinks:      make(map[int]Sink),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fabric) Origin() string {
	return f.origin
}

// Attach registers a sink and returns a func that removes it.
func (f *Fabric) Attach(s Sink) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.sinks[id] = s
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.sinks, id)
		f.mu.Unlock()
	}
}

// PublishLocalAndRemote queues ev for local sinks, then forwards it to the
// other workers. Only a local failure is returned: a forwarding fault is
// logged and counted.
func (f *Fabric) PublishLocalAndRemote(ctx context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = f.origin
	}
	if err := f.enqueue(ctx, ev); err != nil {
		return err
	}

	if err := f.transport.Publish(ctx, ev); err != nil {
		f.forwardFailures.Add(1)
		securelog.Warn("fabric.forward", err)
		return nil
	}
	f.forwarded.Add(1)
	return nil
}

func (f *Fabric) enqueue(ctx context.Context, ev Event) error {
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	select {
	case f.incoming <- ev:
		return nil
	case <-f.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued events to local sinks and keeps the transport
// connected until ctx is done. It closes the transport on return.
func (f *Fabric) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.dispatch(ctx)
	}()

	f.runTransport(ctx)

	f.stopOnce.Do(func() { close(f.done) })
	wg.Wait()
	return f.transport.Close()
}

func (f *Fabric) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.incoming:
			f.mu.RLock()
			sinks := make([]Sink, 0, len(f.sinks))
			for _, s := range f.sinks {
				sinks = append(sinks, s)
			}
			f.mu.RUnlock()

			for _, s := range sinks {
				s.Deliver(ev)
			}
			f.delivered.Add(1)
		}
	}
}

func (f *Fabric) runTransport(ctx context.Context) {
	deliver := func(ev Event) {
		if ev.Origin == f.origin {
			return
		}
		f.remote.Add(1)
		_ = f.enqueue(ctx, ev)
	}

	backoff := f.minBackoff
	for {
		started := time.Now()
		err := f.transport.Run(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			securelog.Warn("fabric.transport", err)
		}
		if time.Since(started) > f.maxBackoff {
			backoff = f.minBackoff
		}
		f.logger.Debug().Dur("backoff", backoff).Msg("fabric transport reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

type Stats struct {
	Delivered       int64 `json:"delivered"`
	Forwarded       int64 `json:"forwarded"`
	ForwardFailures int64 `json:"forward_failures"`
	Remote          int64 `json:"remote"`
}

func (f *Fabric) Stats() Stats {
	return Stats{
		Delivered:       f.delivered.Load(),
		Forwarded:       f.forwarded.Load(),
		ForwardFailures: f.forwardFailures.Load(),
		Remote:          f.remote.Load(),
	}
}
