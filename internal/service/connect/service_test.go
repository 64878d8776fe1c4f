package connect

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/repository/memory"
)

type staticCatalog map[string]domainoauth.ProviderConfig

func (c staticCatalog) Provider(name string) (domainoauth.ProviderConfig, error) {
	cfg, ok := c[strings.ToLower(name)]
	if !ok {
		return domainoauth.ProviderConfig{}, fmt.Errorf("provider %q: %w", name, domainoauth.ErrProviderNotFound)
	}
	return cfg, nil
}

type fakeProviderClient struct {
	token        *domainoauth.TokenResponse
	exchangeErr  error
	lastVerifier string
	lastRedirect string
	exchanges    int
}

func (f *fakeProviderClient) AuthCodeURL(cfg domainoauth.ProviderConfig, state, verifier, redirect string) string {
	q := url.Values{"client_id": {cfg.ClientID}, "state": {state}, "redirect_uri": {redirect}}
	if verifier != "" {
		q.Set("code_challenge_method", "S256")
	}
	return cfg.AuthURL + "?" + q.Encode()
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, _ domainoauth.ProviderConfig, _, verifier, redirect string) (*domainoauth.TokenResponse, error) {
	f.exchanges++
	f.lastVerifier = verifier
	f.lastRedirect = redirect
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeProviderClient) Refresh(context.Context, domainoauth.ProviderConfig, string) (*domainoauth.TokenResponse, error) {
	return nil, domain.ErrRefresh
}

type whoAmIAdapter struct {
	provider.Adapter
	name string
	info domainoauth.AccountInfo
}

func (a whoAmIAdapter) Name() string { return a.name }

func (a whoAmIAdapter) FetchAccount(context.Context, string) (domainoauth.AccountInfo, error) {
	return a.info, nil
}

type connectHarness struct {
	service *Service
	client  *fakeProviderClient
	states  *memory.StateStore
	conns   *memory.ConnectionRepo
	clock   *clock.FakeClock
}

func newConnectHarness(t *testing.T) *connectHarness {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	h := &connectHarness{
		client: &fakeProviderClient{token: &domainoauth.TokenResponse{
			AccessToken:  "access",
			RefreshToken: "refresh",
			Expiry:       clk.Now().Add(8 * time.Hour),
		}},
		states: memory.NewStateStore(clk),
		conns:  memory.NewConnectionRepo(clk),
		clock:  clk,
	}
	catalog := staticCatalog{
		"docusign": {Name: "docusign", ClientID: "ds-client", AuthURL: "https://account-d.docusign.com/oauth/auth", UsePKCE: true},
		"pandadoc": {Name: "pandadoc", ClientID: "pd-client", AuthURL: "https://app.pandadoc.com/oauth2/authorize"},
	}
	registry := provider.NewRegistry(
		whoAmIAdapter{name: "docusign", info: domainoauth.AccountInfo{AccountID: "acct-9", Email: "ops@example.com", BaseURL: "https://demo.docusign.net"}},
		whoAmIAdapter{name: "pandadoc", info: domainoauth.AccountInfo{AccountID: "member-1"}},
	)
	h.service = NewService(catalog, registry, h.client, h.states, h.conns, Options{
		PublicBaseURL: "https://vault.example.com/",
		Clock:         clk,
		Logger:        zap.NewNop(),
	})
	return h
}

func TestStartAuthorization_SavesStateWithVerifier(t *testing.T) {
	h := newConnectHarness(t)
	auth, err := h.service.StartAuthorization(context.Background(), "user-1", "DocuSign")
	require.NoError(t, err)
	require.NotEmpty(t, auth.State)

	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	require.Equal(t, auth.State, u.Query().Get("state"))
	require.Equal(t, "https://vault.example.com/connections/docusign/callback", u.Query().Get("redirect_uri"))
	require.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	require.Equal(t, 1, h.states.Len())

	_, err = h.service.StartAuthorization(context.Background(), "user-1", "unknown")
	require.ErrorIs(t, err, domainoauth.ErrProviderNotFound)
}

func TestHandleCallback_StoresConnection(t *testing.T) {
	h := newConnectHarness(t)
	ctx := context.Background()
	auth, err := h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)

	conn, err := h.service.HandleCallback(ctx, "docusign", "code-1", auth.State)
	require.NoError(t, err)
	require.Equal(t, "user-1", conn.UserID)
	require.Equal(t, "acct-9", conn.ProviderAccountID)
	require.Equal(t, "https://demo.docusign.net", conn.BaseURL)
	require.Equal(t, "access", conn.AccessToken)
	require.NotEmpty(t, h.client.lastVerifier)
	require.Equal(t, "https://vault.example.com/connections/docusign/callback", h.client.lastRedirect)

	stored, err := h.conns.GetByProviderAccount(ctx, "docusign", "acct-9")
	require.NoError(t, err)
	require.Equal(t, conn.ID, stored.ID)
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	h := newConnectHarness(t)
	ctx := context.Background()
	auth, err := h.service.StartAuthorization(ctx, "user-1", "pandadoc")
	require.NoError(t, err)

	_, err = h.service.HandleCallback(ctx, "pandadoc", "code-1", auth.State)
	require.NoError(t, err)
	require.Empty(t, h.client.lastVerifier)

	_, err = h.service.HandleCallback(ctx, "pandadoc", "code-1", auth.State)
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Equal(t, 1, h.client.exchanges)
	require.Equal(t, 1, h.conns.Count())
}

func TestHandleCallback_RejectsExpiredAndMismatchedState(t *testing.T) {
	h := newConnectHarness(t)
	ctx := context.Background()

	auth, err := h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)
	_, err = h.service.HandleCallback(ctx, "pandadoc", "code", auth.State)
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)

	auth, err = h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, err = h.service.HandleCallback(ctx, "docusign", "code", auth.State)
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)

	_, err = h.service.HandleCallback(ctx, "docusign", "", "state")
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
	require.Zero(t, h.client.exchanges)
}

func TestHandleCallback_ReconnectClearsFlag(t *testing.T) {
	h := newConnectHarness(t)
	ctx := context.Background()

	auth, err := h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)
	first, err := h.service.HandleCallback(ctx, "docusign", "code-1", auth.State)
	require.NoError(t, err)
	require.NoError(t, h.conns.MarkNeedsReconnect(ctx, first.ID, true))

	auth, err = h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)
	second, err := h.service.HandleCallback(ctx, "docusign", "code-2", auth.State)
	require.NoError(t, err)
	require.False(t, second.NeedsReconnect)
	require.Equal(t, 1, h.conns.Count())
}

func TestListAndDisconnect(t *testing.T) {
	h := newConnectHarness(t)
	ctx := context.Background()
	auth, err := h.service.StartAuthorization(ctx, "user-1", "docusign")
	require.NoError(t, err)
	_, err = h.service.HandleCallback(ctx, "docusign", "code", auth.State)
	require.NoError(t, err)

	conns, err := h.service.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Empty(t, conns[0].AccessToken)
	require.Empty(t, conns[0].RefreshToken)

	require.NoError(t, h.service.Disconnect(ctx, "user-1", "docusign"))
	require.ErrorIs(t, h.service.Disconnect(ctx, "user-1", "docusign"), domain.ErrNotFound)
	require.Zero(t, h.conns.Count())
}
