// Package anchor records document fingerprints on the ledger. Anchoring is
// best-effort: failures are audited and never fail the caller's pipeline.
package anchor

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/ledger"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/service/audit"
)

var tracer = otel.Tracer("github.com/smallbiznis/signvault/internal/service/anchor")

type Service struct {
	ledger ledger.Ledger
	docs   repository.DocumentRepository
	audit  *audit.Writer
	logger *zap.Logger
}

func NewService(l ledger.Ledger, docs repository.DocumentRepository, auditWriter *audit.Writer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{ledger: l, docs: docs, audit: auditWriter, logger: logger.Named("anchor")}
}

// Payload is the transaction data for a fingerprint: its raw 32 bytes.
func Payload(fingerprint string) ([]byte, error) {
	b, err := hex.DecodeString(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	return b, nil
}

// Anchor submits doc's fingerprint and returns the transaction id, or ""
// when anchoring failed. Documents that already carry a transaction are
// returned unchanged.
func (s *Service) Anchor(ctx context.Context, doc domain.Document) string {
	if doc.Anchored() {
		return doc.BlockchainTxID
	}
	txID, err := s.anchor(ctx, doc, domain.ActorSystem)
	if err != nil {
		return ""
	}
	return txID
}

// Reanchor submits a fresh transaction for an existing document and
// replaces the stored transaction id.
func (s *Service) Reanchor(ctx context.Context, documentID, actor string) (domain.Document, error) {
	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	txID, err := s.anchor(ctx, doc, actor)
	if err != nil {
		return domain.Document{}, err
	}
	doc.BlockchainTxID = txID
	return doc, nil
}

func (s *Service) anchor(ctx context.Context, doc domain.Document, actor string) (string, error) {
	ctx, span := tracer.Start(ctx, "anchor.submit")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", doc.ID))

	txID, err := s.submit(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "anchor failed")
		s.logger.Warn("anchoring failed",
			zap.String("document_id", doc.ID),
			zap.String("error_kind", domain.ErrorKind(err)),
			zap.Error(err),
		)
		if _, aerr := s.audit.Append(ctx, doc.ID, domain.AuditBlockchainAnchorErr, actor, map[string]any{
			"error_kind": domain.ErrorKind(err),
			"error":      err.Error(),
		}); aerr != nil {
			s.logger.Error("audit anchor failure", zap.String("document_id", doc.ID), zap.Error(aerr))
		}
		return "", err
	}

	span.SetAttributes(attribute.String("ledger.tx_id", txID))
	if _, err := s.audit.Append(ctx, doc.ID, domain.AuditBlockchainAnchored, actor, map[string]any{
		"tx_id":       txID,
		"fingerprint": doc.Fingerprint,
	}); err != nil {
		s.logger.Error("audit anchor success", zap.String("document_id", doc.ID), zap.Error(err))
	}
	s.logger.Info("document anchored", zap.String("document_id", doc.ID), zap.String("tx_id", txID))
	return txID, nil
}

func (s *Service) submit(ctx context.Context, doc domain.Document) (string, error) {
	if s.ledger == nil {
		return "", fmt.Errorf("no ledger configured: %w", domain.ErrLedgerUnavailable)
	}
	payload, err := Payload(doc.Fingerprint)
	if err != nil {
		return "", err
	}
	txID, err := s.ledger.Anchor(ctx, payload)
	if err != nil {
		return "", err
	}
	if err := s.docs.SetBlockchainTx(ctx, doc.ID, txID); err != nil {
		return "", fmt.Errorf("store tx id %s: %w", txID, err)
	}
	return txID, nil
}
