// Package connect runs the OAuth authorization-code flow that links a user
// to an e-signature provider account.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	oauthadapter "github.com/smallbiznis/signvault/internal/adapter/oauth"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/service/token"
)

const (
	statePrefix     = "oauth:state:"
	defaultStateTTL = 5 * time.Minute
	defaultLifetime = time.Hour
)

// Authorization is where to send the user to grant access.
type Authorization struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// Options tunes the Service.
type Options struct {
	// PublicBaseURL is the externally reachable origin used to build
	// callback URLs.
	PublicBaseURL string
	StateTTL      time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

type Service struct {
	catalog  token.Catalog
	registry *provider.Registry
	client   oauthadapter.ProviderClient
	states   repository.OAuthStateStore
	conns    repository.ConnectionRepository
	baseURL  string
	stateTTL time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

func NewService(
	catalog token.Catalog,
	registry *provider.Registry,
	client oauthadapter.ProviderClient,
	states repository.OAuthStateStore,
	conns repository.ConnectionRepository,
	opts Options,
) *Service {
	if opts.StateTTL <= 0 {
		opts.StateTTL = defaultStateTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Service{
		catalog:  catalog,
		registry: registry,
		client:   client,
		states:   states,
		conns:    conns,
		baseURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		stateTTL: opts.StateTTL,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("connect"),
	}
}

// CallbackURL is the redirect URI registered with the provider.
func (s *Service) CallbackURL(providerName string) string {
	return s.baseURL + "/connections/" + url.PathEscape(strings.ToLower(providerName)) + "/callback"
}

// StartAuthorization creates a single-use state and returns the provider's
// authorization URL.
func (s *Service) StartAuthorization(ctx context.Context, userID, providerName string) (*Authorization, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(providerName) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	cfg, err := s.catalog.Provider(providerName)
	if err != nil {
		return nil, err
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	var verifier string
	if cfg.UsePKCE {
		verifier = oauth2.GenerateVerifier()
	}
	redirect := s.CallbackURL(cfg.Name)

	payload := domainoauth.OAuthState{
		State:        state,
		UserID:       userID,
		Provider:     cfg.Name,
		CodeVerifier: verifier,
		RedirectURI:  redirect,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.states.SaveState(ctx, buildStateKey(state), payload, s.stateTTL); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &Authorization{
		URL:   s.client.AuthCodeURL(cfg, state, verifier, redirect),
		State: state,
	}, nil
}

// HandleCallback consumes the state, exchanges the code and stores the
// connection. A state can be used once; replays fail with ErrInvalidState.
func (s *Service) HandleCallback(ctx context.Context, providerName, code, state string) (domain.OAuthConnection, error) {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(state) == "" {
		return domain.OAuthConnection{}, domainoauth.ErrInvalidRequest
	}

	saved, err := s.states.ConsumeState(ctx, buildStateKey(state))
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("load state: %w", err)
	}
	if saved == nil || !strings.EqualFold(saved.Provider, providerName) {
		return domain.OAuthConnection{}, domainoauth.ErrInvalidState
	}

	cfg, err := s.catalog.Provider(saved.Provider)
	if err != nil {
		return domain.OAuthConnection{}, err
	}
	adapter, err := s.registry.Get(saved.Provider)
	if err != nil {
		return domain.OAuthConnection{}, err
	}

	tok, err := s.client.ExchangeCode(ctx, cfg, code, saved.CodeVerifier, saved.RedirectURI)
	if err != nil {
		return domain.OAuthConnection{}, err
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.clock.Now().Add(defaultLifetime)
	}

	info, err := adapter.FetchAccount(ctx, tok.AccessToken)
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("identify %s account: %w", cfg.Name, err)
	}

	conn, err := s.conns.Upsert(ctx, domain.OAuthConnection{
		UserID:            saved.UserID,
		Provider:          cfg.Name,
		ProviderAccountID: info.AccountID,
		AccountName:       info.Name,
		AccountEmail:      info.Email,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		ExpiresAt:         expiry,
		BaseURL:           info.BaseURL,
	})
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("store connection: %w", err)
	}

	s.logger.Info("provider connected",
		zap.String("user_id", conn.UserID),
		zap.String("provider", conn.Provider),
		zap.String("account_id", conn.ProviderAccountID),
	)
	return conn, nil
}

// ListConnections returns the user's connections without token material.
func (s *Service) ListConnections(ctx context.Context, userID string) ([]domain.OAuthConnection, error) {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	for i := range conns {
		conns[i].AccessToken = ""
		conns[i].RefreshToken = ""
	}
	return conns, nil
}

// Disconnect deletes the user's connection to a provider.
func (s *Service) Disconnect(ctx context.Context, userID, providerName string) error {
	cfg, err := s.catalog.Provider(providerName)
	if err != nil {
		return err
	}
	if err := s.conns.Delete(ctx, userID, cfg.Name); err != nil {
		return err
	}
	s.logger.Info("provider disconnected", zap.String("user_id", userID), zap.String("provider", cfg.Name))
	return nil
}

func buildStateKey(state string) string {
	return statePrefix + strings.TrimSpace(state)
}

func secureRandomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
