// Package fabric makes a pool of worker processes behave as one broadcast
// domain. A worker publishes an event once; the fabric hands it to every
// local sink and forwards it over a Transport to the other workers.
package fabric

import (
	"context"
	"errors"
)

var (
	ErrTransportUnavailable = errors.New("fabric transport unavailable")
	ErrClosed               = errors.New("fabric closed")
	ErrPayloadTooLarge      = errors.New("event payload too large for transport")
)

// Event is a committed message on its way to every connected client.
// Origin names the fabric that published it.
type Event struct {
	Origin   string `json:"origin"`
	Sequence int64  `json:"seq"`
	Content  string `json:"content"`
}

// Sink receives events in the order the fabric dispatched them. Deliver is
// called from the dispatch goroutine and must not block for long.
type Sink interface {
	Deliver(ev Event)
}

type SinkFunc func(ev Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Transport moves events between fabrics in different processes.
//
// Run connects and calls deliver for every remote event until the
// connection fails or ctx is done. It may be called again after it returns.
// Publish must fail fast while Run is not connected.
type Transport interface {
	Publish(ctx context.Context, ev Event) error
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}
