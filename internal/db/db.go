package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS broadcast_runs (
	id               BIGSERIAL PRIMARY KEY,
	message          TEXT        NOT NULL,
	attachments      JSONB,
	audience         JSONB       NOT NULL,
	requested_by     TEXT        NOT NULL DEFAULT '',
	status           TEXT        NOT NULL DEFAULT 'queued',
	total_count      INT         NOT NULL DEFAULT 0,
	pending_count    INT         NOT NULL DEFAULT 0,
	sent_count       INT         NOT NULL DEFAULT 0,
	failed_count     INT         NOT NULL DEFAULT 0,
	unknown_count    INT         NOT NULL DEFAULT 0,
	lease_token      TEXT,
	lease_expires_at TIMESTAMPTZ,
	heartbeat_at     TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	queued_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS broadcast_deliveries (
	id                BIGSERIAL PRIMARY KEY,
	run_id            BIGINT      NOT NULL REFERENCES broadcast_runs(id) ON DELETE CASCADE,
	user_id           BIGINT,
	address           TEXT        NOT NULL,
	status            TEXT        NOT NULL DEFAULT 'pending',
	attempt_count     INT         NOT NULL DEFAULT 0,
	next_attempt_at   TIMESTAMPTZ,
	last_attempt_at   TIMESTAMPTZ,
	sent_at           TIMESTAMPTZ,
	remote_message_id TEXT,
	last_error        TEXT,
	lock_token        TEXT,
	lock_expires_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, address)
);

CREATE TABLE IF NOT EXISTS subscribers (
	id           BIGSERIAL PRIMARY KEY,
	address      TEXT        NOT NULL UNIQUE,
	channel      TEXT        NOT NULL DEFAULT '',
	active       BOOLEAN     NOT NULL DEFAULT TRUE,
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_broadcast_runs_claim
	ON broadcast_runs (status, queued_at);
CREATE INDEX IF NOT EXISTS idx_broadcast_deliveries_claim
	ON broadcast_deliveries (run_id, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_broadcast_deliveries_stale
	ON broadcast_deliveries (lock_expires_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_subscribers_channel
	ON subscribers (channel) WHERE active;
`

// Open connects to Postgres through the pgx stdlib driver, verifies the
// connection, and bootstraps the schema.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return conn, nil
}
