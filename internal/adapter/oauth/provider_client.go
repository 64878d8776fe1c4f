package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

// ProviderClient encapsulates the OAuth endpoints of external providers.
type ProviderClient interface {
	AuthCodeURL(provider domainoauth.ProviderConfig, state, codeVerifier, redirectURI string) string
	ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error)
	Refresh(ctx context.Context, provider domainoauth.ProviderConfig, refreshToken string) (*domainoauth.TokenResponse, error)
}

// HTTPProviderClient is the default golang.org/x/oauth2 implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

func config(provider domainoauth.ProviderConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   provider.AuthURL,
			TokenURL:  provider.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      provider.Scopes,
	}
}

// AuthCodeURL builds the authorization URL. A non-empty verifier adds an
// S256 code_challenge.
func (c *HTTPProviderClient) AuthCodeURL(provider domainoauth.ProviderConfig, state, codeVerifier, redirectURI string) string {
	var opts []oauth2.AuthCodeOption
	if strings.TrimSpace(codeVerifier) != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return config(provider, redirectURI).AuthCodeURL(state, opts...)
}

// ExchangeCode performs the authorization_code grant.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, provider domainoauth.ProviderConfig, code, codeVerifier, redirectURI string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(provider.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	var opts []oauth2.AuthCodeOption
	if strings.TrimSpace(codeVerifier) != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := config(provider, redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classify(provider.Name, "exchange code", err, domainoauth.ErrExchangeFailed)
	}
	return toResponse(tok), nil
}

// Refresh performs the refresh_token grant. Providers that rotate refresh
// tokens return a new one; otherwise the old value is kept.
func (c *HTTPProviderClient) Refresh(ctx context.Context, provider domainoauth.ProviderConfig, refreshToken string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &domain.ProviderError{Provider: provider.Name, Op: "refresh token", Kind: domain.ErrRefresh, Err: errors.New("no refresh token stored")}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := config(provider, "").TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(provider.Name, "refresh token", err, domain.ErrRefresh)
	}
	resp := toResponse(tok)
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

func toResponse(tok *oauth2.Token) *domainoauth.TokenResponse {
	return &domainoauth.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// classify maps token endpoint failures into the shared taxonomy. Rejections
// (4xx other than 429) become rejected, everything retryable is transient.
func classify(provider, op string, err error, rejected error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		kind := rejected
		if status == http.StatusTooManyRequests || status >= 500 {
			kind = domain.ErrTransientProvider
		}
		return &domain.ProviderError{Provider: provider, Op: op, StatusCode: status, Kind: kind, Err: err}
	}
	// Anything else is a transport failure or timeout.
	return &domain.ProviderError{Provider: provider, Op: op, Kind: domain.ErrTransientProvider, Err: err}
}
