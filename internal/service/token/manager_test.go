package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/signvault/internal/adapter/oauth"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/repository/memory"
	"github.com/smallbiznis/signvault/internal/retry"
)

func TestManager_FreshTokenReturnedUnchanged(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 0)
	conn := h.seed(t, h.clock.Now().Add(time.Hour))

	tok, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "old-access", tok)
	require.Zero(t, h.grants.Load())
}

func TestManager_RefreshesInsideSkew(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 0)
	conn := h.seed(t, h.clock.Now().Add(4*time.Minute))

	tok, fresh, err := h.manager.GetValidToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "new-access", tok)
	require.Equal(t, "new-refresh", fresh.RefreshToken)
	require.EqualValues(t, 1, h.grants.Load())

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "new-refresh", stored.RefreshToken)
	require.True(t, stored.ExpiresAt.After(h.clock.Now().Add(DefaultSkew)))
}

func TestManager_ConcurrentCallersShareOneGrant(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 50*time.Millisecond)
	conn := h.seed(t, h.clock.Now().Add(-time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _, errs[i] = h.manager.GetValidToken(context.Background(), conn)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "new-access", tokens[i])
	}
	require.EqualValues(t, 1, h.grants.Load())
}

func TestManager_SequentialStaleCallersDoNotRegrant(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 0)
	conn := h.seed(t, h.clock.Now().Add(-time.Minute))

	_, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.NoError(t, err)
	// A caller still holding the expired snapshot reloads instead of
	// spending the rotated refresh token again.
	tok, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "new-access", tok)
	require.EqualValues(t, 1, h.grants.Load())
}

func TestManager_RejectedRefreshIsAuthError(t *testing.T) {
	h := newTokenHarness(t, http.StatusBadRequest, 0)
	conn := h.seed(t, h.clock.Now().Add(-time.Minute))

	_, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.ErrorIs(t, err, domain.ErrRefresh)
	require.ErrorIs(t, err, domain.ErrAuth)

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, "old-access", stored.AccessToken)
}

func TestManager_TransientRefreshRetried(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 0)
	h.failFirst.Store(2)
	conn := h.seed(t, h.clock.Now().Add(-time.Minute))

	tok, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "new-access", tok)
	require.EqualValues(t, 3, h.grants.Load())
}

func TestManager_RefreshStopsBeforeLockExpires(t *testing.T) {
	h := newTokenHarness(t, http.StatusOK, 300*time.Millisecond)
	h.manager = NewManager(h.conns, h.client, h.catalog, nil, Options{
		LockTTL: 100 * time.Millisecond,
		Clock:   h.clock,
		Logger:  zap.NewNop(),
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: 5 * time.Second},
	})
	conn := h.seed(t, h.clock.Now().Add(-time.Minute))

	_, _, err := h.manager.GetValidToken(context.Background(), conn)
	require.ErrorIs(t, err, domain.ErrTransientProvider)
	require.EqualValues(t, 1, h.grants.Load())

	stored, err := h.conns.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, "old-refresh", stored.RefreshToken)
}

// ---- Test harness and fakes ----

type tokenHarness struct {
	manager   *Manager
	client    oauthadapter.ProviderClient
	catalog   staticCatalog
	conns     *memory.ConnectionRepo
	clock     *clock.FakeClock
	grants    atomic.Int32
	failFirst atomic.Int32
}

func newTokenHarness(t *testing.T, status int, delay time.Duration) *tokenHarness {
	t.Helper()
	h := &tokenHarness{clock: clock.Fake(time.Now().UTC())}
	h.conns = memory.NewConnectionRepo(h.clock)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.grants.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if h.failFirst.Load() > 0 {
			h.failFirst.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"temporarily_unavailable"}`))
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	h.catalog = staticCatalog{"docusign": {
		Name:         "docusign",
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	}}
	h.client = oauthadapter.NewHTTPProviderClient(srv.Client())
	h.manager = NewManager(h.conns, h.client, h.catalog, nil, Options{
		Clock:  h.clock,
		Logger: zap.NewNop(),
		Retry:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Timeout: 5 * time.Second},
	})
	return h
}

func (h *tokenHarness) seed(t *testing.T, expiresAt time.Time) domain.OAuthConnection {
	t.Helper()
	conn, err := h.conns.Upsert(context.Background(), domain.OAuthConnection{
		UserID:            "user-1",
		Provider:          "docusign",
		ProviderAccountID: "acct-1",
		AccessToken:       "old-access",
		RefreshToken:      "old-refresh",
		ExpiresAt:         expiresAt,
	})
	require.NoError(t, err)
	return conn
}

type staticCatalog map[string]domainoauth.ProviderConfig

func (c staticCatalog) Provider(name string) (domainoauth.ProviderConfig, error) {
	cfg, ok := c[name]
	if !ok {
		return domainoauth.ProviderConfig{}, domainoauth.ErrProviderNotFound
	}
	return cfg, nil
}
