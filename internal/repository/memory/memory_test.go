package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/domain/oauth"
)

func TestEventRepoClaimAndLease(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev, inserted, err := repo.InsertIfAbsent(ctx, domain.WebhookEvent{
		ID: 1, Provider: "docusign", ProviderEventID: "evt-1", Status: domain.WebhookReceived, CreatedAt: now,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	_, inserted, err = repo.InsertIfAbsent(ctx, domain.WebhookEvent{
		ID: 2, Provider: "docusign", ProviderEventID: "evt-1", Status: domain.WebhookReceived, CreatedAt: now,
	})
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 1, repo.Count())

	claimed, err := repo.Claim(ctx, ev.ID, "worker-a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.WebhookProcessing, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	_, err = repo.Claim(ctx, ev.ID, "worker-b", now.Add(30*time.Second), now.Add(2*time.Minute))
	require.ErrorIs(t, err, domain.ErrEventNotClaimable)

	reclaimed, err := repo.Claim(ctx, ev.ID, "worker-b", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "worker-b", reclaimed.ClaimedBy)

	err = repo.Renew(ctx, ev.ID, "worker-a", now.Add(2*time.Minute), now.Add(4*time.Minute))
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	changed, err := repo.Finish(ctx, ev.ID, "worker-a", domain.WebhookProcessed, "", "", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, repo.Renew(ctx, ev.ID, "worker-b", now.Add(150*time.Second), now.Add(5*time.Minute)))
	_, err = repo.Claim(ctx, ev.ID, "worker-c", now.Add(4*time.Minute), now.Add(5*time.Minute))
	require.ErrorIs(t, err, domain.ErrEventNotClaimable)

	changed, err = repo.Finish(ctx, ev.ID, "worker-b", domain.WebhookProcessed, "", "", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = repo.Finish(ctx, ev.ID, "", domain.WebhookFailed, "internal_error", "late", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	stored, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WebhookProcessed, stored.Status)
}

func TestEventRepoListRecoverable(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, created := range []time.Time{now.Add(-time.Hour), now.Add(-time.Second)} {
		_, _, err := repo.InsertIfAbsent(ctx, domain.WebhookEvent{
			ID: int64(i + 1), Provider: "pandadoc", ProviderEventID: string(rune('a' + i)), Status: domain.WebhookReceived, CreatedAt: created,
		})
		require.NoError(t, err)
	}

	events, err := repo.ListRecoverable(ctx, now.Add(-time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), events[0].ID)
}

func TestConnectionRepoLatestWins(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := NewConnectionRepo(c)

	first, err := repo.Upsert(ctx, domain.OAuthConnection{UserID: "u1", Provider: "docusign", ProviderAccountID: "acct"})
	require.NoError(t, err)
	c.Advance(time.Minute)
	second, err := repo.Upsert(ctx, domain.OAuthConnection{UserID: "u2", Provider: "docusign", ProviderAccountID: "acct"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	got, err := repo.GetByProviderAccount(ctx, "docusign", "acct")
	require.NoError(t, err)
	require.Equal(t, "u2", got.UserID)

	_, err = repo.GetActive(ctx, "u3", "docusign")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStateStoreConsumeOnce(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStateStore(c)

	require.NoError(t, store.SaveState(ctx, "k", oauth.OAuthState{State: "s", UserID: "u"}, time.Minute))
	got, err := store.ConsumeState(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "u", got.UserID)

	got, err = store.ConsumeState(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, store.SaveState(ctx, "expired", oauth.OAuthState{State: "x"}, time.Minute))
	c.Advance(2 * time.Minute)
	got, err = store.ConsumeState(ctx, "expired")
	require.NoError(t, err)
	require.Nil(t, got)
}
