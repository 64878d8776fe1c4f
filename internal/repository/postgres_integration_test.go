//go:build integration

package repository_test

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/signvault/internal/adapter/crypto"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect db: %v", err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, repository.EnsureSchema(ctx, pool))
	return pool
}

func newNode(t *testing.T) *snowflake.Node {
	node, err := snowflake.NewNode(900)
	require.NoError(t, err)
	return node
}

func TestPostgresConnections_SealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := setupDB(t)
	enc, err := crypto.NewLocalEncryptor(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	repo := repository.NewPostgresConnectionRepo(pool, enc, newNode(t))

	userID := "it-" + uuid.NewString()
	account := "acct-" + uuid.NewString()
	stored, err := repo.Upsert(ctx, domain.OAuthConnection{
		UserID:            userID,
		Provider:          "docusign",
		ProviderAccountID: account,
		AccessToken:       "access-1",
		RefreshToken:      "refresh-1",
		ExpiresAt:         time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	})
	require.NoError(t, err)
	require.NotZero(t, stored.ID)

	var rawAccess string
	require.NoError(t, pool.QueryRow(ctx, `SELECT access_token FROM oauth_connections WHERE id = $1`, stored.ID).Scan(&rawAccess))
	require.NotEqual(t, "access-1", rawAccess)

	got, err := repo.GetByProviderAccount(ctx, "docusign", account)
	require.NoError(t, err)
	require.Equal(t, "access-1", got.AccessToken)
	require.Equal(t, "refresh-1", got.RefreshToken)

	require.NoError(t, repo.UpdateTokens(ctx, stored.ID, "access-2", "refresh-2", time.Now().Add(2*time.Hour)))
	require.NoError(t, repo.MarkNeedsReconnect(ctx, stored.ID, true))
	got, err = repo.GetActive(ctx, userID, "docusign")
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessToken)
	require.True(t, got.NeedsReconnect)

	require.NoError(t, repo.Delete(ctx, userID, "docusign"))
	_, err = repo.GetByID(ctx, stored.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresEvents_DedupAndClaim(t *testing.T) {
	ctx := context.Background()
	pool := setupDB(t)
	repo := repository.NewPostgresEventRepo(pool)
	node := newNode(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ev := domain.WebhookEvent{
		ID:              node.Generate().Int64(),
		Provider:        "pandadoc",
		ProviderEventID: "it-" + uuid.NewString(),
		EventType:       "document_state_changed",
		Payload:         []byte(`{}`),
		Status:          domain.WebhookReceived,
		CreatedAt:       now,
	}
	first, created, err := repo.InsertIfAbsent(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)

	dup := ev
	dup.ID = node.Generate().Int64()
	again, created, err := repo.InsertIfAbsent(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	_, err = repo.Claim(ctx, first.ID, "worker-a", now, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, first.ID, "worker-b", now, now.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrEventNotClaimable)

	claimed, err := repo.Claim(ctx, first.ID, "worker-b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "worker-b", claimed.ClaimedBy)

	err = repo.Renew(ctx, first.ID, "worker-a", now.Add(2*time.Minute), now.Add(4*time.Minute))
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	done, err := repo.Finish(ctx, first.ID, "worker-a", domain.WebhookProcessed, "", "", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, repo.Renew(ctx, first.ID, "worker-b", now.Add(150*time.Second), now.Add(5*time.Minute)))
	done, err = repo.Finish(ctx, first.ID, "worker-b", domain.WebhookProcessed, "", "", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, done)
	done, err = repo.Finish(ctx, first.ID, "", domain.WebhookFailed, "internal_error", "late", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.False(t, done)

	stored, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WebhookProcessed, stored.Status)
}

func TestPostgresDocumentsAndAudit(t *testing.T) {
	ctx := context.Background()
	pool := setupDB(t)
	docs := repository.NewPostgresDocumentRepo(pool)
	auditRepo := repository.NewPostgresAuditRepo(pool)
	node := newNode(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	doc := domain.Document{
		ID:            uuid.NewString(),
		UserID:        "it-" + uuid.NewString(),
		StoragePath:   "it/contract.pdf",
		FileName:      "contract.pdf",
		Fingerprint:   strings.Repeat("ab", 32),
		SizeBytes:     12,
		MimeType:      "application/pdf",
		Source:        "docusign",
		RetentionDays: 3650,
		CreatedAt:     now,
	}
	require.NoError(t, docs.Create(ctx, doc))
	require.NoError(t, docs.SetBlockchainTx(ctx, doc.ID, "0xabc"))

	got, err := docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "0xabc", got.BlockchainTxID)

	listed, err := docs.ListByUser(ctx, doc.UserID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	for i, typ := range []domain.AuditEventType{domain.AuditVaulted, domain.AuditBlockchainAnchored, domain.AuditViewed} {
		require.NoError(t, auditRepo.Append(ctx, domain.AuditLogEntry{
			ID:         node.Generate().Int64(),
			DocumentID: doc.ID,
			EventType:  typ,
			Actor:      domain.ActorSystem,
			Metadata:   map[string]any{"step": i},
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		}))
	}
	entries, err := auditRepo.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, domain.AuditViewed, entries[0].EventType)
	require.Equal(t, domain.AuditVaulted, entries[2].EventType)
}
