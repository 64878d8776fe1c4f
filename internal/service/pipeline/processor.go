// Package pipeline turns recorded completion events into vaulted, anchored
// documents.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/retry"
	"github.com/smallbiznis/signvault/internal/service/events"
)

var tracer = otel.Tracer("github.com/smallbiznis/signvault/internal/service/pipeline")

// TokenSource hands out valid access tokens for a connection.
type TokenSource interface {
	GetValidToken(ctx context.Context, conn domain.OAuthConnection) (string, domain.OAuthConnection, error)
}

// Vaulter stores downloaded bytes.
type Vaulter interface {
	Vault(ctx context.Context, data []byte, userID, fileName, source string) (domain.Document, error)
}

// Anchorer anchors a vaulted document, returning "" on failure.
type Anchorer interface {
	Anchor(ctx context.Context, doc domain.Document) string
}

// Options tunes the Processor.
type Options struct {
	// Owner identifies this instance in event claims.
	Owner string

	// Heartbeat is how often a claim is renewed while its event is being
	// processed. Zero uses a third of the recorder's lease.
	Heartbeat time.Duration

	Retry  retry.Policy
	Logger *zap.Logger
}

type Processor struct {
	registry  *provider.Registry
	recorder  *events.Recorder
	conns     repository.ConnectionRepository
	tokens    TokenSource
	vault     Vaulter
	anchors   Anchorer
	owner     string
	heartbeat time.Duration
	retry     retry.Policy
	logger    *zap.Logger
}

func NewProcessor(
	registry *provider.Registry,
	recorder *events.Recorder,
	conns repository.ConnectionRepository,
	tokens TokenSource,
	vaulter Vaulter,
	anchors Anchorer,
	opts Options,
) *Processor {
	if opts.Owner == "" {
		opts.Owner = "worker"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = recorder.Lease() / 3
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Processor{
		registry:  registry,
		recorder:  recorder,
		conns:     conns,
		tokens:    tokens,
		vault:     vaulter,
		anchors:   anchors,
		owner:     opts.Owner,
		heartbeat: opts.Heartbeat,
		retry:     opts.Retry,
		logger:    opts.Logger.Named("pipeline"),
	}
}

// Run consumes q with the given number of workers until ctx is done.
func (p *Processor) Run(ctx context.Context, q queue.Queue, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			err := q.Consume(ctx, p.Handle)
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Handle is the queue.Handler for pipeline jobs.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	return p.Process(ctx, job.EventID)
}

// Process claims the event and drives it to a terminal status. Events owned
// by another worker or already finished are skipped. The claim is renewed
// while the event is worked on; once another worker takes it over this
// worker stops before vaulting and leaves the status to the new owner.
func (p *Processor) Process(ctx context.Context, eventID int64) error {
	ev, err := p.recorder.Claim(ctx, eventID, p.owner)
	if errors.Is(err, domain.ErrEventNotClaimable) {
		p.logger.Debug("event not claimable, skipping", zap.Int64("event_id", eventID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim event %d: %w", eventID, err)
	}

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int64("event.id", ev.ID),
		attribute.String("event.provider", ev.Provider),
		attribute.String("event.type", ev.EventType),
	))
	defer span.End()

	log := p.logger.With(
		zap.Int64("event_id", ev.ID),
		zap.String("provider", ev.Provider),
		zap.String("provider_event_id", ev.ProviderEventID),
	)

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := p.keepAlive(workCtx, ev.ID, cancel, log)
	cause := p.run(workCtx, ev, log)
	stop()
	if lost := context.Cause(workCtx); errors.Is(lost, domain.ErrLeaseLost) {
		cause = lost
	}
	if errors.Is(cause, domain.ErrLeaseLost) {
		log.Warn("claim taken over, abandoning event", zap.Error(cause))
		return nil
	}

	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, domain.ErrorKind(cause))
		log.Warn("event failed", zap.String("error_kind", domain.ErrorKind(cause)), zap.Error(cause))
	}
	if err := p.recorder.Release(ctx, ev.ID, p.owner, cause); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Warn("claim taken over before release", zap.Error(err))
			return nil
		}
		return err
	}
	return cause
}

// keepAlive renews the claim on eventID every heartbeat until stop is
// called. Losing the claim cancels the work context with the lease error.
func (p *Processor) keepAlive(ctx context.Context, eventID int64, lost context.CancelCauseFunc, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.recorder.Renew(ctx, eventID, p.owner)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLeaseLost):
				lost(err)
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("renew claim", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) run(ctx context.Context, ev domain.WebhookEvent, log *zap.Logger) error {
	adapter, err := p.registry.Get(ev.Provider)
	if err != nil {
		return err
	}

	parsed, err := adapter.ParseWebhook(ev.Payload)
	if err != nil {
		return err
	}
	if !adapter.IsCompletionEvent(parsed) {
		log.Info("ignoring non-completion event", zap.String("status", parsed.Status))
		return nil
	}

	conn, err := p.conns.GetByProviderAccount(ctx, adapter.Name(), parsed.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s account %q: %w", adapter.Name(), parsed.AccountID, domain.ErrConnectionNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup connection: %w", err)
	}

	docID, err := p.capture(ctx, ev.ID, adapter, conn, parsed, log)
	if errors.Is(err, domain.ErrAuth) {
		if merr := p.conns.MarkNeedsReconnect(ctx, conn.ID, true); merr != nil {
			log.Error("flag connection for reconnect", zap.Int64("connection_id", conn.ID), zap.Error(merr))
		}
	}
	if err != nil {
		return err
	}
	log.Info("event processed", zap.String("document_id", docID))
	return nil
}

func (p *Processor) capture(ctx context.Context, eventID int64, adapter provider.Adapter, conn domain.OAuthConnection, parsed provider.NormalizedEvent, log *zap.Logger) (string, error) {
	var accessToken string
	err := p.traced(ctx, "token", func(ctx context.Context) error {
		var terr error
		accessToken, conn, terr = p.tokens.GetValidToken(ctx, conn)
		return terr
	})
	if err != nil {
		return "", err
	}
	acct := provider.Account{ID: conn.ProviderAccountID, BaseURL: conn.BaseURL}

	var data []byte
	err = p.traced(ctx, "download", func(ctx context.Context) error {
		return retry.Do(ctx, p.policy(log, "download"), func(ctx context.Context) error {
			var derr error
			data, derr = adapter.DownloadDocument(ctx, accessToken, acct, parsed.DocumentID)
			return derr
		})
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", parsed.DocumentID, err)
	}

	var meta provider.Metadata
	err = p.traced(ctx, "metadata", func(ctx context.Context) error {
		return retry.Do(ctx, p.policy(log, "metadata"), func(ctx context.Context) error {
			var merr error
			meta, merr = adapter.GetMetadata(ctx, accessToken, acct, parsed.DocumentID)
			return merr
		})
	})
	if err != nil {
		log.Warn("metadata unavailable, using defaults", zap.String("document_id", parsed.DocumentID), zap.Error(err))
	}

	// A worker that took the event over may already have vaulted it.
	if err := p.recorder.Renew(ctx, eventID, p.owner); err != nil {
		return "", err
	}

	var doc domain.Document
	err = p.traced(ctx, "vault", func(ctx context.Context) error {
		var verr error
		doc, verr = p.vault.Vault(ctx, data, conn.UserID, FileName(meta.Name, parsed.DocumentID), adapter.Name())
		return verr
	})
	if err != nil {
		return "", err
	}

	if txID := p.anchors.Anchor(ctx, doc); txID == "" {
		log.Warn("document vaulted without anchor", zap.String("document_id", doc.ID))
	}
	return doc.ID, nil
}

func (p *Processor) policy(log *zap.Logger, op string) retry.Policy {
	policy := p.retry
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("transient provider failure, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return policy
}

func (p *Processor) traced(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorKind(err))
		return err
	}
	return nil
}

// FileName derives the stored file name from provider metadata, falling
// back to the provider's document id.
func FileName(name, documentID string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		name = documentID
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
