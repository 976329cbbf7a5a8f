package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/Avicted/chorus/internal/message"
)

const defaultPageSize = 256

type messageRepo struct {
	db       *sql.DB
	dialect  Dialect
	pageSize int
}

// Append looks the token up before inserting so a duplicate never consumes
// a sequence value. An empty RETURNING means a concurrent insert of the same
// token won, and its row is read back as the duplicate.
func (r *messageRepo) Append(ctx context.Context, token, content string) (message.AppendResult, error) {
	if token == "" {
		return message.AppendResult{}, message.ErrTokenRequired
	}

	seq, err := r.lookup(ctx, token)
	switch {
	case err == nil:
		return message.AppendResult{Outcome: message.Duplicate, Sequence: seq}, nil
	case !errors.Is(err, ErrNotFound):
		return message.AppendResult{}, err
	}

	err = r.db.QueryRowContext(ctx, r.dialect.insertMessage, token, content).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		seq, err = r.lookup(ctx, token)
		if err != nil {
			return message.AppendResult{}, fmt.Errorf("read back conflicting token: %w", err)
		}
		return message.AppendResult{Outcome: message.Duplicate, Sequence: seq}, nil
	}
	if err != nil {
		return message.AppendResult{}, fmt.Errorf("insert message: %w", err)
	}
	return message.AppendResult{Outcome: message.Inserted, Sequence: seq}, nil
}

func (r *messageRepo) lookup(ctx context.Context, token string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, r.dialect.selectByToken, token).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select message by token: %w", err)
	}
	return seq, nil
}

// ReadFrom streams every message with a sequence above after, in ascending
// order, one page per query. Each call starts a fresh scan.
func (r *messageRepo) ReadFrom(ctx context.Context, after int64) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		cursor := after
		for {
			page, err := r.page(ctx, cursor)
			if err != nil {
				yield(message.Message{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.Sequence
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

func (r *messageRepo) page(ctx context.Context, after int64) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.selectFrom, after, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	page := make([]message.Message, 0, r.pageSize)
	for rows.Next() {
		var msg message.Message
		if err := rows.Scan(&msg.Sequence, &msg.Token, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return page, nil
}

func (r *messageRepo) Latest(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, r.dialect.selectLatest).Scan(&seq); err != nil {
		return 0, fmt.Errorf("select latest sequence: %w", err)
	}
	return seq, nil
}
