package message

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks github.com/Avicted/chorus/internal/message Repository

import (
	"context"
	"errors"
	"iter"
)

var ErrTokenRequired = errors.New("idempotency token is required")

// Message is a committed chat message. It is never mutated after insert.
type Message struct {
	Sequence int64
	Token    string
	Content  string
}

// Outcome tags the result of an append.
type Outcome int

const (
	// Inserted means the token was new and a row was written.
	Inserted Outcome = iota + 1
	// Duplicate means the token already existed; Sequence is the prior insert's.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// AppendResult is returned by Repository.Append. Storage faults are reported
// through the error return instead.
type AppendResult struct {
	Outcome  Outcome
	Sequence int64
}

func (r AppendResult) IsNew() bool {
	return r.Outcome == Inserted
}

// Repository is the durable, idempotent message log.
type Repository interface {
	Append(ctx context.Context, token, content string) (AppendResult, error)
	ReadFrom(ctx context.Context, after int64) iter.Seq2[Message, error]
	Latest(ctx context.Context) (int64, error)
}
