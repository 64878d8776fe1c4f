package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/domain/oauth"
)

// ConnectionRepository persists OAuth connections (the credential store).
// Lookups that find nothing return an error wrapping domain.ErrNotFound.
type ConnectionRepository interface {
	// Upsert inserts or replaces the connection for (UserID, Provider) and
	// returns the stored row.
	Upsert(ctx context.Context, conn domain.OAuthConnection) (domain.OAuthConnection, error)
	GetByID(ctx context.Context, id int64) (domain.OAuthConnection, error)
	// GetActive returns the most recently created connection for the pair.
	GetActive(ctx context.Context, userID, provider string) (domain.OAuthConnection, error)
	// GetByProviderAccount resolves the connection a webhook belongs to.
	GetByProviderAccount(ctx context.Context, provider, accountID string) (domain.OAuthConnection, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	MarkNeedsReconnect(ctx context.Context, id int64, needsReconnect bool) error
	ListByUser(ctx context.Context, userID string) ([]domain.OAuthConnection, error)
	Delete(ctx context.Context, userID, provider string) error
}

// EventRepository persists inbound webhook events.
type EventRepository interface {
	// InsertIfAbsent stores ev unless (Provider, ProviderEventID) already
	// exists. It returns the stored row and whether this call created it.
	InsertIfAbsent(ctx context.Context, ev domain.WebhookEvent) (domain.WebhookEvent, bool, error)
	Get(ctx context.Context, id int64) (domain.WebhookEvent, error)
	// Claim moves a received event, or a processing event whose lease has
	// lapsed, into processing under owner. It returns
	// domain.ErrEventNotClaimable otherwise.
	Claim(ctx context.Context, id int64, owner string, now, leaseUntil time.Time) (domain.WebhookEvent, error)
	// Renew extends the lease of a processing event still claimed by owner.
	// It returns domain.ErrLeaseLost otherwise.
	Renew(ctx context.Context, id int64, owner string, now, leaseUntil time.Time) error
	// Finish records a terminal status. A non-empty owner restricts the
	// update to a processing event claimed by that owner. It reports false
	// when nothing changed.
	Finish(ctx context.Context, id int64, owner string, status domain.WebhookStatus, errorKind, errorMessage string, now time.Time) (bool, error)
	// ListRecoverable returns received events created before staleBefore and
	// processing events whose lease expired before now, oldest first.
	ListRecoverable(ctx context.Context, staleBefore, now time.Time, limit int) ([]domain.WebhookEvent, error)
}

// DocumentRepository persists vaulted document metadata.
type DocumentRepository interface {
	Create(ctx context.Context, doc domain.Document) error
	Get(ctx context.Context, id string) (domain.Document, error)
	SetBlockchainTx(ctx context.Context, id, txID string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Document, error)
}

// AuditRepository is the append-only audit log. There is no update or delete.
type AuditRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	// ListByDocument returns entries newest first.
	ListByDocument(ctx context.Context, documentID string) ([]domain.AuditLogEntry, error)
}

// OAuthStateStore persists short-lived authorization state.
type OAuthStateStore interface {
	SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error
	// ConsumeState atomically loads and removes the state. A missing or
	// expired key yields (nil, nil).
	ConsumeState(ctx context.Context, key string) (*oauth.OAuthState, error)
}

// TokenEncryptor seals provider tokens before they reach the database.
type TokenEncryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}
