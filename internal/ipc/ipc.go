// Package ipc carries newline-delimited JSON frames between the primary's
// relay and its workers over a unix socket or, on Windows, a named pipe.
package ipc

import (
	"encoding/json"
	"io"
)

const (
	FrameHello = "hello"
	FrameEvent = "event"
)

// Frame is the only message shape on the wire. A worker opens with a hello
// naming itself; every frame after that is an event.
type Frame struct {
	Type    string `json:"type"`
	Worker  string `json:"worker,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Content string `json:"content,omitempty"`
}

func NewDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(r)
}

func NewEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}
