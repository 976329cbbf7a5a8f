package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenUnsupportedURL(t *testing.T) {
	for _, u := range []string{"", "mysql://root@localhost/db", "chat.db"} {
		if _, err := Open(context.Background(), u); !errors.Is(err, ErrUnsupportedURL) {
			t.Fatalf("Open(%q) error = %v, want ErrUnsupportedURL", u, err)
		}
	}
}

func TestOpenSQLiteSchemes(t *testing.T) {
	dir := t.TempDir()
	for _, u := range []string{
		"sqlite://" + filepath.Join(dir, "a", "chat.db"),
		"file:" + filepath.Join(dir, "b.db") + "?cache=shared",
	} {
		store, err := Open(context.Background(), u)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", u, err)
		}
		if _, ok := store.(*SQLiteStore); !ok {
			t.Fatalf("Open(%q) = %T, want *SQLiteStore", u, store)
		}
		if err := store.Close(context.Background()); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/var/lib/chorus/chat.db")
	if !strings.HasPrefix(dsn, "file:/var/lib/chorus/chat.db?") {
		t.Fatalf("unexpected dsn prefix: %q", dsn)
	}
	for _, want := range []string{"busy_timeout", "journal_mode", "synchronous"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}
