package fabric

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Avicted/chorus/internal/securelog"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

// PostgresTransport uses LISTEN/NOTIFY on one channel. Listening needs a
// dedicated connection; notifications go out through a small pool.
type PostgresTransport struct {
	url     string
	channel string
	pool    *pgxpool.Pool
}

func NewPostgresTransport(ctx context.Context, url, channel string) (*PostgresTransport, error) {
	if channel == "" {
		return nil, fmt.Errorf("notify channel is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open notify pool: %w", err)
	}
	return &PostgresTransport{url: url, channel: channel, pool: pool}, nil
}

func (t *PostgresTransport) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return ErrPayloadTooLarge
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", t.channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (t *PostgresTransport) Run(ctx context.Context, deliver func(Event)) error {
	conn, err := pgx.Connect(ctx, t.url)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			securelog.Warn("fabric.postgres.decode", err)
			continue
		}
		deliver(ev)
	}
}

func (t *PostgresTransport) Close() error {
	t.pool.Close()
	return nil
}
