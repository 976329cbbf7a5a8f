package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Avicted/chorus/internal/message"
)

func newRepoSQLMock(t *testing.T, pageSize int) (*messageRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("sqlmock expectations: %v", err)
		}
		_ = db.Close()
	}
	return &messageRepo{db: db, dialect: Postgres, pageSize: pageSize}, mock, cleanup
}

func TestMessageRepoAppendSQL(t *testing.T) {
	ctx := context.Background()

	t.Run("token required", func(t *testing.T) {
		repo := &messageRepo{}
		_, err := repo.Append(ctx, "", "hi")
		if !errors.Is(err, message.ErrTokenRequired) {
			t.Fatalf("expected ErrTokenRequired, got %v", err)
		}
	})

	t.Run("new token inserts", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`INSERT INTO messages`).WithArgs("t1", "hi").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))

		res, err := repo.Append(ctx, "t1", "hi")
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if res.Outcome != message.Inserted || res.Sequence != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("known token is duplicate without insert", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))

		res, err := repo.Append(ctx, "t1", "hi")
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if res.Outcome != message.Duplicate || res.Sequence != 7 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("lost insert race reads back prior row", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`INSERT INTO messages`).WithArgs("t1", "hi").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))

		res, err := repo.Append(ctx, "t1", "hi")
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if res.Outcome != message.Duplicate || res.Sequence != 4 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("lookup fault surfaces", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnError(errors.New("disk on fire"))

		_, err := repo.Append(ctx, "t1", "hi")
		if err == nil || !strings.Contains(err.Error(), "select message by token") {
			t.Fatalf("expected lookup error, got %v", err)
		}
		if errors.Is(err, ErrNotFound) {
			t.Fatal("fault must not look like not-found")
		}
	})

	t.Run("insert fault surfaces", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`INSERT INTO messages`).WithArgs("t1", "hi").
			WillReturnError(sql.ErrConnDone)

		_, err := repo.Append(ctx, "t1", "hi")
		if !errors.Is(err, sql.ErrConnDone) || !strings.Contains(err.Error(), "insert message") {
			t.Fatalf("expected insert error, got %v", err)
		}
	})

	t.Run("read back fault after race surfaces", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`INSERT INTO messages`).WithArgs("t1", "hi").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))
		mock.ExpectQuery(`SELECT seq FROM messages WHERE token`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq"}))

		_, err := repo.Append(ctx, "t1", "hi")
		if err == nil || !strings.Contains(err.Error(), "read back conflicting token") {
			t.Fatalf("expected read back error, got %v", err)
		}
	})
}

func TestMessageRepoReadFromSQL(t *testing.T) {
	ctx := context.Background()
	cols := []string{"seq", "token", "content"}

	t.Run("pages until short page", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, 2)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq, token, content FROM messages`).WithArgs(int64(0), 2).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(1), "a", "one").AddRow(int64(2), "b", "two"))
		mock.ExpectQuery(`SELECT seq, token, content FROM messages`).WithArgs(int64(2), 2).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(3), "c", "three"))

		var got []int64
		for msg, err := range repo.ReadFrom(ctx, 0) {
			if err != nil {
				t.Fatalf("ReadFrom() error: %v", err)
			}
			got = append(got, msg.Sequence)
		}
		if len(got) != 3 || got[0] != 1 || got[2] != 3 {
			t.Fatalf("sequences = %v, want [1 2 3]", got)
		}
	})

	t.Run("stopping early skips further pages", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, 2)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq, token, content FROM messages`).WithArgs(int64(5), 2).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(6), "a", "six").AddRow(int64(7), "b", "seven"))

		for msg, err := range repo.ReadFrom(ctx, 5) {
			if err != nil {
				t.Fatalf("ReadFrom() error: %v", err)
			}
			if msg.Sequence != 6 {
				t.Fatalf("first sequence = %d, want 6", msg.Sequence)
			}
			break
		}
	})

	t.Run("query fault is yielded", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, 2)
		defer cleanup()

		mock.ExpectQuery(`SELECT seq, token, content FROM messages`).WillReturnError(errors.New("boom"))

		var gotErr error
		for _, err := range repo.ReadFrom(ctx, 0) {
			gotErr = err
		}
		if gotErr == nil || !strings.Contains(gotErr.Error(), "select messages") {
			t.Fatalf("expected select error, got %v", gotErr)
		}
	})

	t.Run("row error is yielded", func(t *testing.T) {
		repo, mock, cleanup := newRepoSQLMock(t, 2)
		defer cleanup()

		rows := sqlmock.NewRows(cols).AddRow(int64(1), "a", "one").RowError(0, errors.New("torn page"))
		mock.ExpectQuery(`SELECT seq, token, content FROM messages`).WillReturnRows(rows)

		var gotErr error
		for _, err := range repo.ReadFrom(ctx, 0) {
			gotErr = err
		}
		if gotErr == nil || !strings.Contains(gotErr.Error(), "iterate messages") {
			t.Fatalf("expected iterate error, got %v", gotErr)
		}
	})
}

func TestMessageRepoLatestSQL(t *testing.T) {
	repo, mock, cleanup := newRepoSQLMock(t, defaultPageSize)
	defer cleanup()

	mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(42)))
	latest, err := repo.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if latest != 42 {
		t.Fatalf("Latest() = %d, want 42", latest)
	}

	mock.ExpectQuery(`SELECT COALESCE`).WillReturnError(errors.New("gone"))
	if _, err := repo.Latest(context.Background()); err == nil {
		t.Fatal("expected Latest() error")
	}
}
