package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL creates the tables on first start. Statements are idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS oauth_connections (
	id                  BIGINT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	provider            TEXT NOT NULL,
	provider_account_id TEXT NOT NULL,
	account_name        TEXT NOT NULL DEFAULT '',
	account_email       TEXT NOT NULL DEFAULT '',
	access_token        TEXT NOT NULL,
	refresh_token       TEXT NOT NULL DEFAULT '',
	expires_at          TIMESTAMPTZ NOT NULL,
	base_url            TEXT NOT NULL DEFAULT '',
	needs_reconnect     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, provider)
);
CREATE INDEX IF NOT EXISTS oauth_connections_account_idx
	ON oauth_connections (provider, provider_account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_events (
	id                BIGINT PRIMARY KEY,
	provider          TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type        TEXT NOT NULL DEFAULT '',
	payload           BYTEA NOT NULL,
	status            TEXT NOT NULL,
	error_kind        TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	claimed_by        TEXT NOT NULL DEFAULT '',
	lease_expires_at  TIMESTAMPTZ,
	attempts          INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	processed_at      TIMESTAMPTZ,
	UNIQUE (provider, provider_event_id)
);
CREATE INDEX IF NOT EXISTS webhook_events_status_idx ON webhook_events (status, created_at);

CREATE TABLE IF NOT EXISTS documents (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	storage_path     TEXT NOT NULL,
	file_name        TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	mime_type        TEXT NOT NULL,
	source           TEXT NOT NULL,
	retention_days   INTEGER NOT NULL,
	blockchain_tx_id TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_user_idx ON documents (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          BIGINT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents (id),
	event_type  TEXT NOT NULL,
	actor       TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_document_idx ON audit_logs (document_id, created_at DESC, id DESC);
`

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
