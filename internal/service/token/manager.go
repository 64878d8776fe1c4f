// Package token hands out valid provider access tokens, refreshing them
// just in time.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/smallbiznis/signvault/internal/adapter/oauth"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/retry"
)

// DefaultSkew is how close to expiry a token may get before it is refreshed.
const DefaultSkew = 5 * time.Minute

// defaultLifetime is assumed when a provider omits expires_in.
const defaultLifetime = time.Hour

// Locker serializes refreshes of one connection across instances.
type Locker interface {
	// Acquire blocks until key is held or ctx is done. The returned
	// function releases the lock.
	Acquire(ctx context.Context, key string) (func(), error)
}

// Catalog resolves provider OAuth registrations by name.
type Catalog interface {
	Provider(name string) (domainoauth.ProviderConfig, error)
}

// Options tunes the Manager.
type Options struct {
	Skew time.Duration

	// LockTTL is how long the Locker holds a lease. The locked refresh is
	// cut off before the lease can expire. Zero leaves it unbounded.
	LockTTL time.Duration

	Retry  retry.Policy
	Clock  clock.Clock
	Logger *zap.Logger
}

// Manager implements getValidToken over the credential store.
type Manager struct {
	conns   repository.ConnectionRepository
	client  oauthadapter.ProviderClient
	catalog Catalog
	locker  Locker
	skew    time.Duration
	lockTTL time.Duration
	retry   retry.Policy
	clock   clock.Clock
	logger  *zap.Logger
	group   singleflight.Group
}

// NewManager wires a Manager. A nil locker falls back to an in-process lock.
func NewManager(conns repository.ConnectionRepository, client oauthadapter.ProviderClient, catalog Catalog, locker Locker, opts Options) *Manager {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	opts.Retry.Clock = opts.Clock
	if budget := opts.Retry.Budget(); opts.LockTTL > 0 && opts.LockTTL <= budget {
		opts.Logger.Warn("refresh lock ttl shorter than the retry budget, refreshes may be cut short",
			zap.Duration("lock_ttl", opts.LockTTL),
			zap.Duration("retry_budget", budget),
		)
	}
	return &Manager{
		conns:   conns,
		client:  client,
		catalog: catalog,
		locker:  locker,
		skew:    opts.Skew,
		lockTTL: opts.LockTTL,
		retry:   opts.Retry,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("token"),
	}
}

// GetValidToken returns conn's access token, refreshing it first when it
// expires within the skew window. The returned connection reflects what is
// stored after any refresh.
func (m *Manager) GetValidToken(ctx context.Context, conn domain.OAuthConnection) (string, domain.OAuthConnection, error) {
	if !conn.ExpiresWithin(m.clock.Now(), m.skew) {
		return conn.AccessToken, conn, nil
	}

	key := strconv.FormatInt(conn.ID, 10)
	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, conn)
	})
	if err != nil {
		return "", conn, err
	}
	fresh := v.(domain.OAuthConnection)
	if shared {
		m.logger.Debug("shared in-flight refresh", zap.Int64("connection_id", conn.ID))
	}
	return fresh.AccessToken, fresh, nil
}

func (m *Manager) refresh(ctx context.Context, conn domain.OAuthConnection) (domain.OAuthConnection, error) {
	release, err := m.locker.Acquire(ctx, "refresh:"+strconv.FormatInt(conn.ID, 10))
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("lock connection %d: %w", conn.ID, err)
	}
	defer release()

	// Stop before the lease lapses so no other instance can spend the same
	// refresh token.
	if m.lockTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTTL-m.lockTTL/10)
		defer cancel()
	}

	// Another instance may have refreshed while we waited for the lock.
	current, err := m.conns.GetByID(ctx, conn.ID)
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("reload connection %d: %w", conn.ID, err)
	}
	if !current.ExpiresWithin(m.clock.Now(), m.skew) {
		return current, nil
	}

	provider, err := m.catalog.Provider(current.Provider)
	if err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("refresh connection %d: %w", conn.ID, err)
	}

	var tok *domainoauth.TokenResponse
	policy := m.retry
	policy.OnRetry = func(attempt int, err error) {
		m.logger.Warn("transient refresh failure, retrying",
			zap.Int64("connection_id", conn.ID),
			zap.String("provider", current.Provider),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		tok, err = m.client.Refresh(ctx, provider, current.RefreshToken)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &domain.ProviderError{Provider: current.Provider, Op: "refresh token", Kind: domain.ErrTransientProvider, Err: err}
		}
		return domain.OAuthConnection{}, fmt.Errorf("refresh connection %d: %w", conn.ID, err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.clock.Now().Add(defaultLifetime)
	}
	if err := m.conns.UpdateTokens(ctx, current.ID, tok.AccessToken, tok.RefreshToken, expiry); err != nil {
		return domain.OAuthConnection{}, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	current.AccessToken = tok.AccessToken
	current.RefreshToken = tok.RefreshToken
	current.ExpiresAt = expiry
	m.logger.Info("token refreshed",
		zap.Int64("connection_id", current.ID),
		zap.String("provider", current.Provider),
		zap.Time("expires_at", expiry),
	)
	return current, nil
}

// LocalLocker is an in-process Locker keyed by string.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
