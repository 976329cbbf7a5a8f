package ipc

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if enc == nil {
		t.Fatalf("expected non-nil encoder")
	}

	want := Frame{Type: FrameEvent, Origin: "host/1/0", Seq: 9, Content: "hi"}
	if err := enc.Encode(want); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := enc.Encode(Frame{Type: FrameHello, Worker: "w1"}); err != nil {
		t.Fatalf("encode hello: %v", err)
	}

	dec := NewDecoder(&buf)
	var got Frame
	if err := dec.Decode(&got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected round-trip payload: %#v", got)
	}
	var hello Frame
	if err := dec.Decode(&hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Type != FrameHello || hello.Worker != "w1" {
		t.Fatalf("unexpected hello: %#v", hello)
	}
}

func TestFrameOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(Frame{Type: FrameHello, Worker: "w0"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(buf.String(), "content") || strings.Contains(buf.String(), "seq") {
		t.Fatalf("hello frame carries event fields: %s", buf.String())
	}
}
