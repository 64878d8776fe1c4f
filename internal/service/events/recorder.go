// Package events records inbound webhook events exactly once and tracks
// their processing status.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
)

// DefaultLease bounds how long a worker owns an event before another may
// take it over.
const DefaultLease = 5 * time.Minute

// Claim is the outcome of recording an inbound event.
type Claim struct {
	IsNew         bool
	EventRecordID int64
	Status        domain.WebhookStatus
}

type Recorder struct {
	repo   repository.EventRepository
	node   *snowflake.Node
	clock  clock.Clock
	lease  time.Duration
	logger *zap.Logger
}

func NewRecorder(repo repository.EventRepository, node *snowflake.Node, c clock.Clock, lease time.Duration, logger *zap.Logger) *Recorder {
	if c == nil {
		c = clock.Real()
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Recorder{repo: repo, node: node, clock: c, lease: lease, logger: logger.Named("events")}
}

// RecordAndClaim stores the event in received unless (provider,
// providerEventID) was seen before. Duplicates report IsNew false and the
// id of the original row.
func (r *Recorder) RecordAndClaim(ctx context.Context, provider, providerEventID, eventType string, raw []byte) (Claim, error) {
	if providerEventID == "" {
		return Claim{}, errors.New("record event: provider event id required")
	}
	now := r.clock.Now()
	stored, isNew, err := r.repo.InsertIfAbsent(ctx, domain.WebhookEvent{
		ID:              r.node.Generate().Int64(),
		Provider:        provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Payload:         raw,
		Status:          domain.WebhookReceived,
		CreatedAt:       now,
	})
	if err != nil {
		return Claim{}, fmt.Errorf("record %s event %s: %w", provider, providerEventID, err)
	}
	if !isNew {
		r.logger.Info("duplicate webhook event",
			zap.String("provider", provider),
			zap.String("provider_event_id", providerEventID),
			zap.Int64("event_id", stored.ID),
			zap.String("status", string(stored.Status)),
		)
	}
	return Claim{IsNew: isNew, EventRecordID: stored.ID, Status: stored.Status}, nil
}

// Claim moves a received event, or one whose lease lapsed, to processing
// for owner. It returns domain.ErrEventNotClaimable otherwise.
func (r *Recorder) Claim(ctx context.Context, eventID int64, owner string) (domain.WebhookEvent, error) {
	now := r.clock.Now()
	return r.repo.Claim(ctx, eventID, owner, now, now.Add(r.lease))
}

// Lease returns how long a claim lasts without renewal.
func (r *Recorder) Lease() time.Duration { return r.lease }

// Renew extends owner's claim on eventID by a full lease. It returns an
// error wrapping domain.ErrLeaseLost once the event was taken over or
// finished.
func (r *Recorder) Renew(ctx context.Context, eventID int64, owner string) error {
	now := r.clock.Now()
	return r.repo.Renew(ctx, eventID, owner, now, now.Add(r.lease))
}

// MarkProcessed records a terminal status. A nil cause marks the event
// processed; otherwise it is failed with the cause's kind and message.
// Events already terminal are left untouched.
func (r *Recorder) MarkProcessed(ctx context.Context, eventID int64, cause error) error {
	changed, err := r.finish(ctx, eventID, "", cause)
	if err != nil {
		return err
	}
	if !changed {
		r.logger.Debug("event already terminal", zap.Int64("event_id", eventID))
	}
	return nil
}

// Release records the terminal status of an event owner claimed. It
// returns an error wrapping domain.ErrLeaseLost, and changes nothing, when
// owner no longer holds the claim.
func (r *Recorder) Release(ctx context.Context, eventID int64, owner string, cause error) error {
	changed, err := r.finish(ctx, eventID, owner, cause)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("release event %d for %s: %w", eventID, owner, domain.ErrLeaseLost)
	}
	return nil
}

func (r *Recorder) finish(ctx context.Context, eventID int64, owner string, cause error) (bool, error) {
	status := domain.WebhookProcessed
	var kind, msg string
	if cause != nil {
		status = domain.WebhookFailed
		kind = domain.ErrorKind(cause)
		msg = cause.Error()
	}
	changed, err := r.repo.Finish(ctx, eventID, owner, status, kind, msg, r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("finish event %d: %w", eventID, err)
	}
	return changed, nil
}

// Get returns a stored event.
func (r *Recorder) Get(ctx context.Context, eventID int64) (domain.WebhookEvent, error) {
	return r.repo.Get(ctx, eventID)
}
