package storage

import (
	"context"
	"database/sql"

	"github.com/Avicted/chorus/internal/message"
)

// sqlStore is the database/sql plumbing shared by both backends.
type sqlStore struct {
	db       *sql.DB
	dialect  Dialect
	messages *messageRepo
}

func newSQLStore(db *sql.DB, dialect Dialect) sqlStore {
	return sqlStore{
		db:       db,
		dialect:  dialect,
		messages: &messageRepo{db: db, dialect: dialect, pageSize: defaultPageSize},
	}
}

func (s *sqlStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS, s.dialect)
	return migrator.Up(ctx)
}

func (s *sqlStore) Messages() message.Repository {
	return s.messages
}
