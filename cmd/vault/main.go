package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/blob"
	"github.com/smallbiznis/signvault/internal/adapter/ledger"
	oauthadapter "github.com/smallbiznis/signvault/internal/adapter/oauth"
	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/adapter/secret"
	"github.com/smallbiznis/signvault/internal/bootstrap"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/config"
	httptransport "github.com/smallbiznis/signvault/internal/http"
	"github.com/smallbiznis/signvault/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/signvault/internal/http/middleware"
	"github.com/smallbiznis/signvault/internal/jwt"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/retry"
	"github.com/smallbiznis/signvault/internal/server"
	"github.com/smallbiznis/signvault/internal/service/anchor"
	"github.com/smallbiznis/signvault/internal/service/audit"
	"github.com/smallbiznis/signvault/internal/service/connect"
	"github.com/smallbiznis/signvault/internal/service/events"
	"github.com/smallbiznis/signvault/internal/service/pipeline"
	"github.com/smallbiznis/signvault/internal/service/token"
	"github.com/smallbiznis/signvault/internal/service/vault"
	"github.com/smallbiznis/signvault/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newClock,
			newSnowflake,
			newAWSConfig,
			newSecretResolver,
			newTokenEncryptor,
			newPGXPool,
			newStores,
			newRedisClient,
			newOAuthStateStore,
			newLocker,
			newBlobStore,
			newQueue,
			newLedger,
			newCatalog,
			newProviderRegistry,
			newOAuthProviderClient,
			newTokenManager,
			newAuditWriter,
			newVaultWriter,
			newAnchorService,
			newRecorder,
			newSweeper,
			newProcessor,
			newConnectService,
			newTokenGenerator,
			newAuthMiddleware,
			newRateLimiter,
			newWebhookHandler,
			newConnectionHandler,
			newDocumentHandler,
			newHealthHandler,
			newHandlers,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startPipeline, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newClock() clock.Clock {
	return clock.Real()
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID())
}

// nodeID reads SNOWFLAKE_NODE so replicas generate disjoint ids.
func nodeID() int64 {
	var id int64 = 1
	if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
		_, _ = fmt.Sscan(v, &id)
	}
	return id
}

func newAWSConfig(cfg config.Config) (aws.Config, error) {
	return bootstrap.LoadAWS(context.Background(), cfg)
}

func newSecretResolver(cfg config.Config, awsCfg aws.Config) secret.Resolver {
	return bootstrap.SecretResolver(cfg, awsCfg)
}

func newTokenEncryptor(cfg config.Config, awsCfg aws.Config, secrets secret.Resolver) (repository.TokenEncryptor, error) {
	return bootstrap.TokenEncryptor(context.Background(), cfg, awsCfg, secrets)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := bootstrap.OpenPool(context.Background(), cfg)
	if err != nil || pool == nil {
		return pool, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

type storesOut struct {
	fx.Out

	Connections repository.ConnectionRepository
	Events      repository.EventRepository
	Documents   repository.DocumentRepository
	Audit       repository.AuditRepository
}

func newStores(pool *pgxpool.Pool, enc repository.TokenEncryptor, node *snowflake.Node, c clock.Clock) storesOut {
	s := bootstrap.NewStores(pool, enc, node, c)
	return storesOut{Connections: s.Connections, Events: s.Events, Documents: s.Documents, Audit: s.Audit}
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client, err := bootstrap.OpenRedis(context.Background(), cfg)
	if err != nil || client == nil {
		return client, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newOAuthStateStore(client redis.UniversalClient, c clock.Clock) repository.OAuthStateStore {
	return bootstrap.StateStore(client, c)
}

func newLocker(cfg config.Config, awsCfg aws.Config, client redis.UniversalClient, c clock.Clock) token.Locker {
	return bootstrap.Locker(cfg, awsCfg, client, c)
}

func newBlobStore(cfg config.Config, awsCfg aws.Config) (blob.Store, error) {
	return bootstrap.BlobStore(cfg, awsCfg)
}

func newQueue(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) queue.Queue {
	q := bootstrap.Queue(cfg, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return q.Close()
		},
	})
	return q
}

func newLedger(cfg config.Config, secrets secret.Resolver, logger *zap.Logger) ledger.Ledger {
	return bootstrap.Ledger(cfg, secrets, logger)
}

func newCatalog(cfg config.Config, secrets secret.Resolver) (*config.Catalog, error) {
	return config.LoadCatalog(context.Background(), cfg.ProvidersFile, secrets)
}

func newProviderRegistry(cfg config.Config, catalog *config.Catalog) (*provider.Registry, error) {
	return bootstrap.Registry(catalog, bootstrap.ProviderHTTPClient(cfg))
}

func newOAuthProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(bootstrap.ProviderHTTPClient(cfg))
}

func retryPolicy(cfg config.Config, c clock.Clock) retry.Policy {
	p := cfg.RetryPolicy()
	p.Clock = c
	return p
}

func newTokenManager(cfg config.Config, conns repository.ConnectionRepository, client oauthadapter.ProviderClient, catalog *config.Catalog, locker token.Locker, c clock.Clock, logger *zap.Logger) *token.Manager {
	return token.NewManager(conns, client, catalog, locker, token.Options{
		Skew:    cfg.RefreshSkew,
		LockTTL: cfg.LockTTL,
		Retry:   retryPolicy(cfg, c),
		Clock:   c,
		Logger:  logger,
	})
}

func newAuditWriter(repo repository.AuditRepository, node *snowflake.Node, c clock.Clock, logger *zap.Logger) *audit.Writer {
	return audit.NewWriter(repo, node, c, logger)
}

func newVaultWriter(cfg config.Config, blobs blob.Store, docs repository.DocumentRepository, auditWriter *audit.Writer, l ledger.Ledger, c clock.Clock, logger *zap.Logger) *vault.Writer {
	var anchors vault.AnchorReader
	if l != nil {
		anchors = l
	}
	return vault.NewWriter(blobs, docs, auditWriter, vault.Options{
		RetentionDays: cfg.RetentionDays,
		Clock:         c,
		Logger:        logger,
		Anchors:       anchors,
	})
}

func newAnchorService(l ledger.Ledger, docs repository.DocumentRepository, auditWriter *audit.Writer, logger *zap.Logger) *anchor.Service {
	return anchor.NewService(l, docs, auditWriter, logger)
}

func newRecorder(cfg config.Config, repo repository.EventRepository, node *snowflake.Node, c clock.Clock, logger *zap.Logger) *events.Recorder {
	return events.NewRecorder(repo, node, c, cfg.ClaimLease, logger)
}

func newSweeper(cfg config.Config, repo repository.EventRepository, q queue.Queue, c clock.Clock, logger *zap.Logger) *events.Sweeper {
	return events.NewSweeper(repo, q, c, events.SweeperConfig{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.SweepStaleAfter,
	}, logger)
}

func newProcessor(cfg config.Config, registry *provider.Registry, recorder *events.Recorder, conns repository.ConnectionRepository, tokens *token.Manager, vaultWriter *vault.Writer, anchors *anchor.Service, c clock.Clock, logger *zap.Logger) *pipeline.Processor {
	host, _ := os.Hostname()
	return pipeline.NewProcessor(registry, recorder, conns, tokens, vaultWriter, anchors, pipeline.Options{
		Owner:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		Retry:  retryPolicy(cfg, c),
		Logger: logger,
	})
}

func newConnectService(cfg config.Config, catalog *config.Catalog, registry *provider.Registry, client oauthadapter.ProviderClient, states repository.OAuthStateStore, conns repository.ConnectionRepository, c clock.Clock, logger *zap.Logger) *connect.Service {
	return connect.NewService(catalog, registry, client, states, conns, connect.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		StateTTL:      cfg.OAuthStateTTL,
		Clock:         c,
		Logger:        logger,
	})
}

func newTokenGenerator(cfg config.Config, secrets secret.Resolver) (*jwt.Generator, error) {
	key, err := jwt.LoadKey(context.Background(), secrets, cfg.AuthJWTSecretParam)
	if err != nil {
		return nil, err
	}
	return jwt.NewGenerator(key, cfg.AuthJWTIssuer, 0), nil
}

func newAuthMiddleware(tokens *jwt.Generator, c clock.Clock) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(tokens, c)
}

func newRateLimiter(cfg config.Config) *httpmiddleware.RateLimiter {
	return httpmiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newWebhookHandler(registry *provider.Registry, catalog *config.Catalog, recorder *events.Recorder, q queue.Queue, logger *zap.Logger) *handler.WebhookHandler {
	return handler.NewWebhookHandler(registry, catalog, recorder, q, logger)
}

func newConnectionHandler(cfg config.Config, svc *connect.Service, logger *zap.Logger) *handler.ConnectionHandler {
	return handler.NewConnectionHandler(svc, cfg.FrontendURL, logger)
}

func newDocumentHandler(vaultWriter *vault.Writer, anchors *anchor.Service, auditWriter *audit.Writer, logger *zap.Logger) *handler.DocumentHandler {
	return handler.NewDocumentHandler(vaultWriter, anchors, auditWriter, logger)
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func newHealthHandler(pool *pgxpool.Pool, client redis.UniversalClient) *handler.HealthHandler {
	checks := map[string]handler.Pinger{}
	if pool != nil {
		checks["postgres"] = pool
	}
	if client != nil {
		checks["redis"] = redisPinger{client: client}
	}
	return handler.NewHealthHandler(checks)
}

func newHandlers(w *handler.WebhookHandler, c *handler.ConnectionHandler, d *handler.DocumentHandler, h *handler.HealthHandler) httptransport.Handlers {
	return httptransport.Handlers{Webhooks: w, Connections: c, Documents: d, Health: h}
}

// startPipeline runs the worker pool and the recovery sweeper for the life
// of the application.
func startPipeline(lc fx.Lifecycle, cfg config.Config, processor *pipeline.Processor, sweeper *events.Sweeper, q queue.Queue, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			workersDone := make(chan struct{})

			go func() {
				defer close(workersDone)
				if err := processor.Run(runCtx, q, cfg.PipelineWorkers); err != nil {
					logger.Error("pipeline workers stopped", zap.Error(err))
				}
			}()
			go func() {
				if err := sweeper.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("recovery sweeper stopped", zap.Error(err))
				}
				<-workersDone
				close(done)
			}()

			logger.Info("pipeline started", zap.Int("workers", cfg.PipelineWorkers))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
