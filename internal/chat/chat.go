// Package chat joins the message log and the broadcast fabric: a submitted
// message is persisted once and then fanned out to every worker.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Avicted/chorus/internal/fabric"
	"github.com/Avicted/chorus/internal/message"
	"github.com/Avicted/chorus/internal/securelog"
	"github.com/Avicted/chorus/internal/telemetry"
)

const publishTimeout = 5 * time.Second

var ErrStoreUnavailable = errors.New("message store unavailable")

type Publisher interface {
	PublishLocalAndRemote(ctx context.Context, ev fabric.Event) error
}

type Service struct {
	messages  message.Repository
	publisher Publisher
	tracer    trace.Tracer
}

func NewService(messages message.Repository, publisher Publisher) *Service {
	return &Service{messages: messages, publisher: publisher, tracer: telemetry.Tracer("chat")}
}

// Submit appends content under token and, for a new insert, broadcasts it.
// A duplicate returns the prior sequence and is not broadcast again. Any
// other store error is returned wrapped in ErrStoreUnavailable and the
// caller must not acknowledge the sender.
func (s *Service) Submit(ctx context.Context, token, content string) (message.AppendResult, error) {
	ctx, span := s.tracer.Start(ctx, "chat.Submit")
	defer span.End()

	res, err := s.messages.Append(ctx, token, content)
	if err != nil {
		span.SetStatus(codes.Error, "append failed")
		if errors.Is(err, message.ErrTokenRequired) {
			return message.AppendResult{}, err
		}
		securelog.Error("chat.append", err)
		return message.AppendResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	span.SetAttributes(
		attribute.String("chat.outcome", res.Outcome.String()),
		attribute.Int64("chat.seq", res.Sequence),
	)

	switch res.Outcome {
	case message.Duplicate:
		return res, nil
	case message.Inserted:
		// The row is committed, so the broadcast must outlive a caller that
		// has gone away.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		ev := fabric.Event{Sequence: res.Sequence, Content: content}
		if err := s.publisher.PublishLocalAndRemote(pubCtx, ev); err != nil {
			// Committed already; replay will carry it to anyone who missed it.
			securelog.Warn("chat.publish", err)
		}
		return res, nil
	default:
		return message.AppendResult{}, fmt.Errorf("unknown append outcome %d", res.Outcome)
	}
}

// Replay calls fn for every message after the given sequence in ascending
// order and returns the last sequence handed to fn. A read fault is logged
// and returned; fn errors stop the replay and are returned as is.
func (s *Service) Replay(ctx context.Context, after int64, fn func(message.Message) error) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "chat.Replay", trace.WithAttributes(attribute.Int64("chat.after", after)))
	defer span.End()

	last := after
	count := 0
	for msg, err := range s.messages.ReadFrom(ctx, after) {
		if err != nil {
			span.SetStatus(codes.Error, "read failed")
			securelog.Error("chat.replay", err)
			return last, fmt.Errorf("replay: %w", err)
		}
		if err := fn(msg); err != nil {
			return last, err
		}
		last = msg.Sequence
		count++
	}
	span.SetAttributes(attribute.Int("chat.replayed", count))
	return last, nil
}

func (s *Service) Latest(ctx context.Context) (int64, error) {
	seq, err := s.messages.Latest(ctx)
	if err != nil {
		securelog.Error("chat.latest", err)
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return seq, nil
}
