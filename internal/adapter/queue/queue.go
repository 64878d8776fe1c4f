// Package queue hands recorded webhook events from the HTTP handler to the
// pipeline workers.
package queue

import (
	"context"
	"errors"
)

// ErrFull is returned when an in-memory queue has no capacity left.
var ErrFull = errors.New("queue: full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue: closed")

// Job asks a worker to process one recorded webhook event.
type Job struct {
	EventID  int64  `json:"event_id"`
	Provider string `json:"provider"`
}

// Handler processes one job. A returned error is logged by the consumer;
// the event row remains the source of truth for retries.
type Handler func(ctx context.Context, job Job) error

// Queue is the explicit handoff between ingestion and processing.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume delivers jobs to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
