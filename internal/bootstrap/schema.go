package bootstrap

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/repository"
)

// EnsureSchema creates the vault tables on start when running against
// Postgres. It is a no-op for the in-memory store.
func EnsureSchema(lc fx.Lifecycle, pool *pgxpool.Pool, logger *zap.Logger) {
	if pool == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := repository.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			if logger != nil {
				logger.Info("database schema ready")
			}
			return nil
		},
	})
}
