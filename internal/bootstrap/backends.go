// Package bootstrap builds the storage, queue, lock and ledger backends
// selected by configuration. Both the service and the operator CLI use it.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/blob"
	cacheadapter "github.com/smallbiznis/signvault/internal/adapter/cache"
	"github.com/smallbiznis/signvault/internal/adapter/crypto"
	"github.com/smallbiznis/signvault/internal/adapter/ledger"
	"github.com/smallbiznis/signvault/internal/adapter/lock"
	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/adapter/secret"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/config"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/repository/memory"
	"github.com/smallbiznis/signvault/internal/service/token"
)

// LoadAWS returns the default AWS configuration, or a zero config when no
// backend needs AWS.
func LoadAWS(ctx context.Context, cfg config.Config) (aws.Config, error) {
	if !cfg.UsesAWS() {
		return aws.Config{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// SecretResolver returns the SSM or environment resolver.
func SecretResolver(cfg config.Config, awsCfg aws.Config) secret.Resolver {
	if cfg.SecretBackend == "ssm" {
		return secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
	}
	return secret.NewEnvResolver()
}

// TokenEncryptor returns the cipher used to seal provider tokens at rest.
func TokenEncryptor(ctx context.Context, cfg config.Config, awsCfg aws.Config, secrets secret.Resolver) (repository.TokenEncryptor, error) {
	if cfg.TokenCipher == "kms" {
		return crypto.NewKMSEncryptor(kms.NewFromConfig(awsCfg), cfg.KMSKeyID), nil
	}
	if cfg.StoreBackend == "memory" {
		return nil, nil
	}
	key, err := secrets.GetSecret(ctx, cfg.TokenSealingKeyParam)
	if err != nil {
		return nil, fmt.Errorf("resolve sealing key: %w", err)
	}
	return crypto.NewLocalEncryptor(key)
}

// OpenPool connects to Postgres. It returns nil for the in-memory store.
func OpenPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.StoreBackend != "postgres" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Stores groups the four repositories.
type Stores struct {
	Connections repository.ConnectionRepository
	Events      repository.EventRepository
	Documents   repository.DocumentRepository
	Audit       repository.AuditRepository
}

// NewStores picks Postgres when pool is set and in-memory otherwise.
func NewStores(pool *pgxpool.Pool, enc repository.TokenEncryptor, node *snowflake.Node, c clock.Clock) Stores {
	if pool == nil {
		return Stores{
			Connections: memory.NewConnectionRepo(c),
			Events:      memory.NewEventRepo(),
			Documents:   memory.NewDocumentRepo(),
			Audit:       memory.NewAuditRepo(),
		}
	}
	return Stores{
		Connections: repository.NewPostgresConnectionRepo(pool, enc, node),
		Events:      repository.NewPostgresEventRepo(pool),
		Documents:   repository.NewPostgresDocumentRepo(pool),
		Audit:       repository.NewPostgresAuditRepo(pool),
	}
}

// OpenRedis connects to Redis when a backend needs it.
func OpenRedis(ctx context.Context, cfg config.Config) (redis.UniversalClient, error) {
	if !cfg.UsesRedis() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// StateStore keeps pending OAuth states in Redis, or in memory when no
// Redis client is configured.
func StateStore(rdb redis.UniversalClient, c clock.Clock) repository.OAuthStateStore {
	if rdb == nil {
		return memory.NewStateStore(c)
	}
	return cacheadapter.NewRedisStateStore(rdb)
}

// Locker returns the cross-instance refresh lock.
func Locker(cfg config.Config, awsCfg aws.Config, rdb redis.UniversalClient, c clock.Clock) token.Locker {
	switch cfg.LockBackend {
	case "redis":
		if rdb != nil {
			return cacheadapter.NewRedisLocker(rdb, cfg.LockTTL)
		}
	case "dynamodb":
		return lock.NewDynamoLocker(dynamodb.NewFromConfig(awsCfg), cfg.LockTable, cfg.LockTTL, c)
	}
	return token.NewLocalLocker()
}

// BlobStore returns the document byte store.
func BlobStore(cfg config.Config, awsCfg aws.Config) (blob.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blob.NewS3Store(s3.NewFromConfig(awsCfg), cfg.BlobBucket, cfg.BlobPrefix), nil
	}
	return blob.NewFileStore(cfg.BlobDir)
}

// Queue returns the job queue between ingestion and the workers.
func Queue(cfg config.Config, logger *zap.Logger) queue.Queue {
	if cfg.QueueBackend == "rabbitmq" {
		return queue.NewRabbitQueue(cfg.RabbitMQURL, cfg.QueueName, logger)
	}
	return queue.NewMemoryQueue(cfg.QueueCapacity, logger)
}

// Ledger returns the Ethereum ledger, or nil when no RPC endpoint is
// configured. Anchoring then fails softly with ledger_unavailable.
func Ledger(cfg config.Config, secrets secret.Resolver, logger *zap.Logger) ledger.Ledger {
	if len(cfg.LedgerRPCURLs) == 0 {
		if logger != nil {
			logger.Warn("no ledger rpc endpoints configured, anchoring disabled")
		}
		return nil
	}
	return ledger.NewEthereumLedger(ledger.Config{
		RPCURLs:          cfg.LedgerRPCURLs,
		ChainID:          cfg.LedgerChainID,
		KeyParam:         cfg.LedgerKeyParam,
		GasMarginPercent: cfg.LedgerGasMarginPercent,
		CallTimeout:      cfg.LedgerCallTimeout,
		ConfirmTimeout:   cfg.LedgerConfirmTimeout,
	}, secrets, logger)
}

// ProviderHTTPClient bounds every provider API call.
func ProviderHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{Timeout: cfg.ProviderTimeout}
}

// Registry builds one adapter per catalog entry.
func Registry(catalog *config.Catalog, client *http.Client) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, cfg := range catalog.Providers() {
		adapter, err := provider.Build(cfg, client)
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}
	return registry, nil
}
