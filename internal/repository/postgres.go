package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/signvault/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ConnectionRepository = (*PostgresConnectionRepo)(nil)
	_ EventRepository      = (*PostgresEventRepo)(nil)
	_ DocumentRepository   = (*PostgresDocumentRepo)(nil)
	_ AuditRepository      = (*PostgresAuditRepo)(nil)
)

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// PostgresConnectionRepo implements ConnectionRepository. Tokens are sealed
// with the configured encryptor before they are written.
type PostgresConnectionRepo struct {
	db   *pgxpool.Pool
	enc  TokenEncryptor
	node *snowflake.Node
}

func NewPostgresConnectionRepo(pool *pgxpool.Pool, enc TokenEncryptor, node *snowflake.Node) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: pool, enc: enc, node: node}
}

const connectionColumns = `id, user_id, provider, provider_account_id, account_name, account_email,
access_token, refresh_token, expires_at, base_url, needs_reconnect, created_at, updated_at`

func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn domain.OAuthConnection) (domain.OAuthConnection, error) {
	access, err := r.enc.Encrypt(ctx, conn.AccessToken)
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("seal access token: %w", err)
	}
	refresh := ""
	if conn.RefreshToken != "" {
		if refresh, err = r.enc.Encrypt(ctx, conn.RefreshToken); err != nil {
			return domain.OAuthConnection{}, fmt.Errorf("seal refresh token: %w", err)
		}
	}

	query := `
INSERT INTO oauth_connections (id, user_id, provider, provider_account_id, account_name, account_email,
	access_token, refresh_token, expires_at, base_url, needs_reconnect, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, now(), now())
ON CONFLICT (user_id, provider) DO UPDATE SET
	provider_account_id = EXCLUDED.provider_account_id,
	account_name = EXCLUDED.account_name,
	account_email = EXCLUDED.account_email,
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expires_at = EXCLUDED.expires_at,
	base_url = EXCLUDED.base_url,
	needs_reconnect = FALSE,
	created_at = now(),
	updated_at = now()
RETURNING ` + connectionColumns

	row := r.db.QueryRow(ctx, query,
		r.node.Generate().Int64(),
		conn.UserID,
		conn.Provider,
		conn.ProviderAccountID,
		conn.AccountName,
		conn.AccountEmail,
		access,
		refresh,
		conn.ExpiresAt,
		conn.BaseURL,
	)
	stored, err := r.scan(ctx, row)
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return stored, nil
}

func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id int64) (domain.OAuthConnection, error) {
	row := r.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM oauth_connections WHERE id = $1`, id)
	conn, err := r.scan(ctx, row)
	if err != nil {
		return domain.OAuthConnection{}, notFound("get connection", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) GetActive(ctx context.Context, userID, provider string) (domain.OAuthConnection, error) {
	row := r.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM oauth_connections
WHERE user_id = $1 AND provider = $2
ORDER BY created_at DESC
LIMIT 1`, userID, provider)
	conn, err := r.scan(ctx, row)
	if err != nil {
		return domain.OAuthConnection{}, notFound("get active connection", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) GetByProviderAccount(ctx context.Context, provider, accountID string) (domain.OAuthConnection, error) {
	row := r.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM oauth_connections
WHERE provider = $1 AND provider_account_id = $2
ORDER BY created_at DESC
LIMIT 1`, provider, accountID)
	conn, err := r.scan(ctx, row)
	if err != nil {
		return domain.OAuthConnection{}, notFound("get connection by account", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := r.enc.Encrypt(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh := ""
	if refreshToken != "" {
		if refresh, err = r.enc.Encrypt(ctx, refreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	tag, err := r.db.Exec(ctx, `UPDATE oauth_connections
SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = now()
WHERE id = $1`, id, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update tokens: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresConnectionRepo) MarkNeedsReconnect(ctx context.Context, id int64, needsReconnect bool) error {
	if _, err := r.db.Exec(ctx, `UPDATE oauth_connections SET needs_reconnect = $2, updated_at = now() WHERE id = $1`, id, needsReconnect); err != nil {
		return fmt.Errorf("mark needs reconnect: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) ListByUser(ctx context.Context, userID string) ([]domain.OAuthConnection, error) {
	rows, err := r.db.Query(ctx, `SELECT `+connectionColumns+` FROM oauth_connections
WHERE user_id = $1
ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.OAuthConnection
	for rows.Next() {
		conn, err := r.scan(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("list connections: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (r *PostgresConnectionRepo) Delete(ctx context.Context, userID, provider string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_connections WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete connection: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresConnectionRepo) scan(ctx context.Context, row pgx.Row) (domain.OAuthConnection, error) {
	var (
		conn    domain.OAuthConnection
		access  string
		refresh string
	)
	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Provider,
		&conn.ProviderAccountID,
		&conn.AccountName,
		&conn.AccountEmail,
		&access,
		&refresh,
		&conn.ExpiresAt,
		&conn.BaseURL,
		&conn.NeedsReconnect,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return domain.OAuthConnection{}, err
	}
	var err error
	if conn.AccessToken, err = r.enc.Decrypt(ctx, access); err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("open access token: %w", err)
	}
	if refresh != "" {
		if conn.RefreshToken, err = r.enc.Decrypt(ctx, refresh); err != nil {
			return domain.OAuthConnection{}, fmt.Errorf("open refresh token: %w", err)
		}
	}
	return conn, nil
}

// PostgresEventRepo implements EventRepository.
type PostgresEventRepo struct {
	db *pgxpool.Pool
}

func NewPostgresEventRepo(pool *pgxpool.Pool) *PostgresEventRepo {
	return &PostgresEventRepo{db: pool}
}

const eventColumns = `id, provider, provider_event_id, event_type, payload, status, error_kind, error_message,
claimed_by, lease_expires_at, attempts, created_at, updated_at, processed_at`

func (r *PostgresEventRepo) InsertIfAbsent(ctx context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	row := r.db.QueryRow(ctx, `
INSERT INTO webhook_events (id, provider, provider_event_id, event_type, payload, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (provider, provider_event_id) DO NOTHING
RETURNING `+eventColumns,
		ev.ID, ev.Provider, ev.ProviderEventID, ev.EventType, ev.Payload, string(ev.Status), ev.CreatedAt,
	)
	stored, err := scanEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEvent{}, false, fmt.Errorf("insert webhook event: %w", err)
	}

	row = r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE provider = $1 AND provider_event_id = $2`, ev.Provider, ev.ProviderEventID)
	existing, err := scanEvent(row)
	if err != nil {
		return domain.WebhookEvent{}, false, fmt.Errorf("load existing webhook event: %w", err)
	}
	return existing, false, nil
}

func (r *PostgresEventRepo) Get(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	ev, err := scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		return domain.WebhookEvent{}, notFound("get webhook event", err)
	}
	return ev, nil
}

func (r *PostgresEventRepo) Claim(ctx context.Context, id int64, owner string, now, leaseUntil time.Time) (domain.WebhookEvent, error) {
	row := r.db.QueryRow(ctx, `
UPDATE webhook_events
SET status = 'processing', claimed_by = $2, lease_expires_at = $4, attempts = attempts + 1, updated_at = $3
WHERE id = $1
  AND (status = 'received' OR (status = 'processing' AND lease_expires_at < $3))
RETURNING `+eventColumns, id, owner, now, leaseUntil)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, fmt.Errorf("claim event %d: %w", id, domain.ErrEventNotClaimable)
		}
		return domain.WebhookEvent{}, fmt.Errorf("claim event %d: %w", id, err)
	}
	return ev, nil
}

func (r *PostgresEventRepo) Renew(ctx context.Context, id int64, owner string, now, leaseUntil time.Time) error {
	tag, err := r.db.Exec(ctx, `
UPDATE webhook_events
SET lease_expires_at = $4, updated_at = $3
WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		id, owner, now, leaseUntil)
	if err != nil {
		return fmt.Errorf("renew event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("renew event %d for %s: %w", id, owner, domain.ErrLeaseLost)
	}
	return nil
}

func (r *PostgresEventRepo) Finish(ctx context.Context, id int64, owner string, status domain.WebhookStatus, errorKind, errorMessage string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
UPDATE webhook_events
SET status = $2, error_kind = $3, error_message = $4, lease_expires_at = NULL, updated_at = $5, processed_at = $5
WHERE id = $1 AND status NOT IN ('processed', 'failed')
  AND ($6::text = '' OR (status = 'processing' AND claimed_by = $6))`,
		id, string(status), errorKind, errorMessage, now, owner)
	if err != nil {
		return false, fmt.Errorf("finish event %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresEventRepo) ListRecoverable(ctx context.Context, staleBefore, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE (status = 'received' AND created_at < $1)
   OR (status = 'processing' AND lease_expires_at < $2)
ORDER BY created_at
LIMIT $3`, staleBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list recoverable events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list recoverable events: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var (
		ev     domain.WebhookEvent
		status string
	)
	err := row.Scan(
		&ev.ID,
		&ev.Provider,
		&ev.ProviderEventID,
		&ev.EventType,
		&ev.Payload,
		&status,
		&ev.ErrorKind,
		&ev.ErrorMessage,
		&ev.ClaimedBy,
		&ev.LeaseExpiresAt,
		&ev.Attempts,
		&ev.CreatedAt,
		&ev.UpdatedAt,
		&ev.ProcessedAt,
	)
	ev.Status = domain.WebhookStatus(status)
	return ev, err
}

// PostgresDocumentRepo implements DocumentRepository.
type PostgresDocumentRepo struct {
	db *pgxpool.Pool
}

func NewPostgresDocumentRepo(pool *pgxpool.Pool) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: pool}
}

const documentColumns = `id, user_id, storage_path, file_name, fingerprint, size_bytes, mime_type, source,
retention_days, blockchain_tx_id, created_at`

func (r *PostgresDocumentRepo) Create(ctx context.Context, doc domain.Document) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO documents (id, user_id, storage_path, file_name, fingerprint, size_bytes, mime_type, source,
	retention_days, blockchain_tx_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.UserID, doc.StoragePath, doc.FileName, doc.Fingerprint, doc.SizeBytes,
		doc.MimeType, doc.Source, doc.RetentionDays, doc.BlockchainTxID, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PostgresDocumentRepo) Get(ctx context.Context, id string) (domain.Document, error) {
	doc, err := scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return domain.Document{}, notFound("get document", err)
	}
	return doc, nil
}

func (r *PostgresDocumentRepo) SetBlockchainTx(ctx context.Context, id, txID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE documents SET blockchain_tx_id = $2 WHERE id = $1`, id, txID)
	if err != nil {
		return fmt.Errorf("set blockchain tx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set blockchain tx: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresDocumentRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Document, error) {
	rows, err := r.db.Query(ctx, `SELECT `+documentColumns+` FROM documents
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var doc domain.Document
	err := row.Scan(
		&doc.ID,
		&doc.UserID,
		&doc.StoragePath,
		&doc.FileName,
		&doc.Fingerprint,
		&doc.SizeBytes,
		&doc.MimeType,
		&doc.Source,
		&doc.RetentionDays,
		&doc.BlockchainTxID,
		&doc.CreatedAt,
	)
	return doc, err
}

// PostgresAuditRepo implements AuditRepository. It only ever inserts.
type PostgresAuditRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAuditRepo(pool *pgxpool.Pool) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: pool}
}

func (r *PostgresAuditRepo) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO audit_logs (id, document_id, event_type, actor, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.DocumentID, string(entry.EventType), entry.Actor, payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepo) ListByDocument(ctx context.Context, documentID string) ([]domain.AuditLogEntry, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, document_id, event_type, actor, metadata, created_at
FROM audit_logs
WHERE document_id = $1
ORDER BY created_at DESC, id DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var (
			entry     domain.AuditLogEntry
			eventType string
			metadata  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &eventType, &entry.Actor, &metadata, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.EventType = domain.AuditEventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
