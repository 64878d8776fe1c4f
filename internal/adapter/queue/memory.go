package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryQueue is a bounded in-process queue. Jobs are lost on restart;
// the recovery sweeper re-enqueues anything left in received.
type MemoryQueue struct {
	jobs      chan Job
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int, logger *zap.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = zap.L()
	}
	return &MemoryQueue{jobs: make(chan Job, capacity), done: make(chan struct{}), logger: logger.Named("queue")}
}

// Enqueue never blocks; a full queue returns ErrFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		case job := <-q.jobs:
			if err := h(ctx, job); err != nil {
				q.logger.Warn("job handler failed", zap.Int64("event_id", job.EventID), zap.Error(err))
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }
