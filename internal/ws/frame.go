package ws

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	FrameWelcome     = "welcome"
	FrameMessage     = "message"
	FrameReplayDone  = "replay.done"
	FrameAck         = "ack"
	FrameError       = "error"
	FrameMessageSend = "message.send"
)

const (
	CodeInvalidMessage   = "invalid_message"
	CodeUnsupportedType  = "unsupported_type"
	CodeContentTooLarge  = "content_too_large"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
	CodeReplayFailed     = "replay_failed"
)

// Frame is every JSON text frame exchanged on /ws, in both directions.
// Fields not used by a frame type are omitted.
type Frame struct {
	Type string `json:"type"`

	// welcome
	ConnectionID string `json:"connection_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Recovered    bool   `json:"recovered,omitempty"`
	Latest       int64  `json:"latest,omitempty"`

	// message, replay.done, ack
	Seq     int64  `json:"seq,omitempty"`
	Content string `json:"content,omitempty"`
	EID     int64  `json:"eid,omitempty"`
	Replay  bool   `json:"replay,omitempty"`

	// message.send, ack, error
	Token     string `json:"token,omitempty"`
	AckID     string `json:"ack_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type sendRequest struct {
	Token   string `validate:"required,max=128"`
	Content string `validate:"required"`
	AckID   string `validate:"max=128"`
}

type decodeError struct {
	code  string
	msg   string
	ackID string
}

func (e *decodeError) Error() string { return e.msg }

var validate = validator.New()

func decodeSend(data []byte, maxContent int) (sendRequest, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return sendRequest{}, &decodeError{code: CodeInvalidMessage, msg: "malformed frame"}
	}
	if strings.TrimSpace(f.Type) != FrameMessageSend {
		return sendRequest{}, &decodeError{code: CodeUnsupportedType, msg: "unsupported message type", ackID: f.AckID}
	}
	req := sendRequest{Token: strings.TrimSpace(f.Token), Content: f.Content, AckID: f.AckID}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		field := "frame"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = strings.ToLower(verrs[0].Field())
		}
		return sendRequest{}, &decodeError{code: CodeInvalidMessage, msg: "invalid " + field, ackID: f.AckID}
	}
	if maxContent > 0 && len(req.Content) > maxContent {
		return sendRequest{}, &decodeError{code: CodeContentTooLarge, msg: "content too large", ackID: f.AckID}
	}
	return req, nil
}
