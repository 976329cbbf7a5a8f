package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/Avicted/chorus/internal/message"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnsupportedURL = errors.New("unsupported database url")
)

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Messages() message.Repository
}

// Open picks a backend from the URL scheme: postgres:// or postgresql:// for
// Postgres, sqlite://path or file:path for SQLite.
func Open(ctx context.Context, dbURL string) (Store, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return NewPostgresStore(ctx, dbURL)
	case strings.HasPrefix(dbURL, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dbURL, "sqlite://"))
	case strings.HasPrefix(dbURL, "file:"):
		path, _, _ := strings.Cut(strings.TrimPrefix(dbURL, "file:"), "?")
		return NewSQLiteStore(ctx, path)
	default:
		return nil, ErrUnsupportedURL
	}
}
