package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

type mapResolver map[string]string

func (m mapResolver) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("parameter %q not found", name)
	}
	return v, nil
}

const catalogYAML = `
providers:
  - name: DocuSign
    display_name: DocuSign
    client_id: ds-client
    client_secret_param: /signvault/docusign-client-secret
    auth_url: https://account-d.docusign.com/oauth/auth
    token_url: https://account-d.docusign.com/oauth/token
    userinfo_url: https://account-d.docusign.com/oauth/userinfo
    scopes: [signature, extended]
    pkce: true
    webhook_secret_param: /signvault/docusign-hmac-key
  - name: pandadoc
    client_id: pd-client
    auth_url: https://app.pandadoc.com/oauth2/authorize
    token_url: https://api.pandadoc.com/oauth2/access_token
    api_base_url: https://api.pandadoc.com
`

func TestParseCatalog_ResolvesSecrets(t *testing.T) {
	secrets := mapResolver{
		"/signvault/docusign-client-secret": "ds-secret",
		"/signvault/docusign-hmac-key":      "hmac",
	}
	catalog, err := ParseCatalog(context.Background(), []byte(catalogYAML), secrets)
	require.NoError(t, err)

	ds, err := catalog.Provider("docusign")
	require.NoError(t, err)
	require.Equal(t, "ds-secret", ds.ClientSecret)
	require.Equal(t, "hmac", ds.WebhookSecret)
	require.True(t, ds.UsePKCE)
	require.Equal(t, []string{"signature", "extended"}, ds.Scopes)

	pd, err := catalog.Provider(" PandaDoc ")
	require.NoError(t, err)
	require.Empty(t, pd.ClientSecret)
	require.Equal(t, "pandadoc", pd.DisplayName)

	_, err = catalog.Provider("hellosign")
	require.ErrorIs(t, err, domainoauth.ErrProviderNotFound)

	names := []string{}
	for _, p := range catalog.Providers() {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"docusign", "pandadoc"}, names)
}

func TestParseCatalog_Errors(t *testing.T) {
	_, err := ParseCatalog(context.Background(), []byte(catalogYAML), mapResolver{})
	require.ErrorContains(t, err, "client secret")

	_, err = ParseCatalog(context.Background(), []byte("providers:\n  - name: x\n"), mapResolver{})
	require.ErrorContains(t, err, "required")

	_, err = ParseCatalog(context.Background(), []byte("providers: ["), mapResolver{})
	require.Error(t, err)
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))
	catalog, err := LoadCatalog(context.Background(), path, mapResolver{})
	require.NoError(t, err)
	require.Empty(t, catalog.Providers())
}

func TestLoad_DefaultsAndValidation(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REFRESH_SKEW", "2m")
	t.Setenv("LEDGER_RPC_URLS", "https://rpc-a.example, ,https://rpc-b.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.RefreshSkew)
	require.Equal(t, 3650, cfg.RetentionDays)
	require.Equal(t, 20, cfg.LedgerGasMarginPercent)
	require.Equal(t, []string{"https://rpc-a.example", "https://rpc-b.example"}, cfg.LedgerRPCURLs)
	require.Equal(t, 91500*time.Millisecond+30*time.Second, cfg.LockTTL)

	t.Setenv("LOCK_TTL", "30s")
	_, err = Load()
	require.ErrorContains(t, err, "LOCK_TTL")

	t.Setenv("PROVIDER_TIMEOUT", "5s")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.LockTTL)
	t.Setenv("LOCK_TTL", "")
	t.Setenv("PROVIDER_TIMEOUT", "")

	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err = Load()
	require.ErrorContains(t, err, "QUEUE_BACKEND")

	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err = Load()
	require.ErrorContains(t, err, "DATABASE_URL")
}
