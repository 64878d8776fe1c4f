package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smallbiznis/signvault/internal/adapter/secret"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

// ProviderEntry is one provider as written in the catalog file. Secrets are
// referenced by parameter name and resolved at load time.
type ProviderEntry struct {
	Name               string   `yaml:"name"`
	DisplayName        string   `yaml:"display_name"`
	ClientID           string   `yaml:"client_id"`
	ClientSecretParam  string   `yaml:"client_secret_param"`
	AuthURL            string   `yaml:"auth_url"`
	TokenURL           string   `yaml:"token_url"`
	UserInfoURL        string   `yaml:"userinfo_url"`
	APIBaseURL         string   `yaml:"api_base_url"`
	Scopes             []string `yaml:"scopes"`
	PKCE               bool     `yaml:"pkce"`
	WebhookSecretParam string   `yaml:"webhook_secret_param"`
}

type catalogFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// Catalog holds the resolved OAuth registration of every provider.
type Catalog struct {
	providers map[string]domainoauth.ProviderConfig
}

// ParseCatalog decodes catalog YAML and resolves the referenced secrets.
func ParseCatalog(ctx context.Context, raw []byte, secrets secret.Resolver) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode provider catalog: %w", err)
	}

	c := &Catalog{providers: make(map[string]domainoauth.ProviderConfig, len(file.Providers))}
	for i, entry := range file.Providers {
		name := strings.ToLower(strings.TrimSpace(entry.Name))
		if name == "" {
			return nil, fmt.Errorf("provider catalog entry %d: name is required", i)
		}
		if _, dup := c.providers[name]; dup {
			return nil, fmt.Errorf("provider catalog: %q listed twice", name)
		}
		if entry.ClientID == "" || entry.AuthURL == "" || entry.TokenURL == "" {
			return nil, fmt.Errorf("provider %q: client_id, auth_url and token_url are required", name)
		}

		clientSecret, err := secret.Optional(ctx, secrets, entry.ClientSecretParam)
		if err != nil {
			return nil, fmt.Errorf("provider %q client secret: %w", name, err)
		}
		webhookSecret, err := secret.Optional(ctx, secrets, entry.WebhookSecretParam)
		if err != nil {
			return nil, fmt.Errorf("provider %q webhook secret: %w", name, err)
		}

		display := entry.DisplayName
		if display == "" {
			display = name
		}
		c.providers[name] = domainoauth.ProviderConfig{
			Name:          name,
			DisplayName:   display,
			ClientID:      entry.ClientID,
			ClientSecret:  clientSecret,
			AuthURL:       entry.AuthURL,
			TokenURL:      entry.TokenURL,
			UserInfoURL:   entry.UserInfoURL,
			APIBaseURL:    entry.APIBaseURL,
			Scopes:        entry.Scopes,
			UsePKCE:       entry.PKCE,
			WebhookSecret: webhookSecret,
		}
	}
	return c, nil
}

// LoadCatalog reads and resolves the catalog file at path.
func LoadCatalog(ctx context.Context, path string, secrets secret.Resolver) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(ctx, raw, secrets)
}

// Provider returns the registration for name.
func (c *Catalog) Provider(name string) (domainoauth.ProviderConfig, error) {
	cfg, ok := c.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domainoauth.ProviderConfig{}, fmt.Errorf("provider %q: %w", name, domainoauth.ErrProviderNotFound)
	}
	return cfg, nil
}

// Providers lists every registration ordered by name.
func (c *Catalog) Providers() []domainoauth.ProviderConfig {
	out := make([]domainoauth.ProviderConfig, 0, len(c.providers))
	for _, cfg := range c.providers {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
