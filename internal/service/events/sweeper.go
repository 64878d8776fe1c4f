package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/repository"
)

// SweeperConfig tunes recovery of events stuck in received or processing.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper re-enqueues events left behind by crashed workers or lost jobs.
type Sweeper struct {
	repo   repository.EventRepository
	queue  queue.Queue
	clock  clock.Clock
	cfg    SweeperConfig
	logger *zap.Logger
}

func NewSweeper(repo repository.EventRepository, q queue.Queue, c clock.Clock, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Sweeper{repo: repo, queue: q, clock: c, cfg: cfg, logger: logger.Named("sweeper")}
}

// SweepOnce enqueues one batch of recoverable events and returns how many
// were enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	stuck, err := s.repo.ListRecoverable(ctx, now.Add(-s.cfg.StaleAfter), now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list recoverable events: %w", err)
	}
	enqueued := 0
	for _, ev := range stuck {
		if err := s.queue.Enqueue(ctx, queue.Job{EventID: ev.ID, Provider: ev.Provider}); err != nil {
			s.logger.Warn("re-enqueue failed", zap.Int64("event_id", ev.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("recovered stuck events", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.Interval):
		}
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	}
}
