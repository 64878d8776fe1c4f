// Package audit is the append-only lifecycle log for vaulted documents.
package audit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
)

// Writer appends audit entries. It exposes no update or delete path.
type Writer struct {
	repo   repository.AuditRepository
	node   *snowflake.Node
	clock  clock.Clock
	logger *zap.Logger
}

func NewWriter(repo repository.AuditRepository, node *snowflake.Node, c clock.Clock, logger *zap.Logger) *Writer {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Writer{repo: repo, node: node, clock: c, logger: logger.Named("audit")}
}

// Append records one entry for documentID.
func (w *Writer) Append(ctx context.Context, documentID string, eventType domain.AuditEventType, actor string, metadata map[string]any) (domain.AuditLogEntry, error) {
	if actor == "" {
		actor = domain.ActorSystem
	}
	entry := domain.AuditLogEntry{
		ID:         w.node.Generate().Int64(),
		DocumentID: documentID,
		EventType:  eventType,
		Actor:      actor,
		Metadata:   metadata,
		CreatedAt:  w.clock.Now(),
	}
	if err := w.repo.Append(ctx, entry); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("append %s for %s: %w", eventType, documentID, err)
	}
	w.logger.Debug("audit entry appended",
		zap.String("document_id", documentID),
		zap.String("event_type", string(eventType)),
		zap.String("actor", actor),
	)
	return entry, nil
}

// History returns every entry for documentID, newest first.
func (w *Writer) History(ctx context.Context, documentID string) ([]domain.AuditLogEntry, error) {
	entries, err := w.repo.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", documentID, err)
	}
	return entries, nil
}
