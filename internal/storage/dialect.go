package storage

// Dialect holds the driver name and the SQL that differs between backends.
type Dialect struct {
	Name   string
	Driver string

	createMigrations string
	recordMigration  string
	selectByToken    string
	insertMessage    string
	selectFrom       string
	selectLatest     string
}

var Postgres = Dialect{
	Name:   "postgres",
	Driver: "pgx",
	createMigrations: `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`,
	recordMigration: `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`,
	selectByToken:   `SELECT seq FROM messages WHERE token = $1`,
	insertMessage: `INSERT INTO messages (token, content) VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING RETURNING seq`,
	selectFrom:   `SELECT seq, token, content FROM messages WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
	selectLatest: `SELECT COALESCE(MAX(seq), 0) FROM messages`,
}

var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	createMigrations: `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`,
	recordMigration: `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`,
	selectByToken:   `SELECT seq FROM messages WHERE token = ?`,
	insertMessage: `INSERT INTO messages (token, content) VALUES (?, ?)
		ON CONFLICT (token) DO NOTHING RETURNING seq`,
	selectFrom:   `SELECT seq, token, content FROM messages WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
	selectLatest: `SELECT COALESCE(MAX(seq), 0) FROM messages`,
}

func (d Dialect) migrationsDir() string {
	return "migrations/" + d.Name
}
