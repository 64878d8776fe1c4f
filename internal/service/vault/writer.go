// Package vault hashes documents, stores their bytes and records metadata.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/blob"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/repository"
	"github.com/smallbiznis/signvault/internal/service/audit"
)

// DefaultRetentionDays is roughly ten years.
const DefaultRetentionDays = 3650

// AnchorReader reads back the payload of an anchoring transaction.
type AnchorReader interface {
	TransactionData(ctx context.Context, txID string) ([]byte, error)
}

// Options tunes the Writer.
type Options struct {
	RetentionDays int
	Clock         clock.Clock
	Logger        *zap.Logger
	// Anchors is optional; without it Verify skips the ledger check.
	Anchors AnchorReader
}

// Writer implements vaulting and the read paths over vaulted documents.
type Writer struct {
	blobs     blob.Store
	docs      repository.DocumentRepository
	audit     *audit.Writer
	anchors   AnchorReader
	retention int
	clock     clock.Clock
	logger    *zap.Logger
}

func NewWriter(blobs blob.Store, docs repository.DocumentRepository, auditWriter *audit.Writer, opts Options) *Writer {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Writer{
		blobs:     blobs,
		docs:      docs,
		audit:     auditWriter,
		anchors:   opts.Anchors,
		retention: opts.RetentionDays,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("vault"),
	}
}

// Fingerprint is the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StoragePath is where a document's bytes live.
func StoragePath(userID, documentID string) string {
	return path.Join(userID, documentID)
}

// Vault stores data and records it. Bytes are written before the row so a
// failed write never leaves metadata pointing at nothing.
func (w *Writer) Vault(ctx context.Context, data []byte, userID, fileName, source string) (domain.Document, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Document{}, errors.New("vault: user id required")
	}
	doc := domain.Document{
		ID:            uuid.NewString(),
		UserID:        userID,
		FileName:      fileName,
		Fingerprint:   Fingerprint(data),
		SizeBytes:     int64(len(data)),
		MimeType:      http.DetectContentType(data),
		Source:        source,
		RetentionDays: w.retention,
		CreatedAt:     w.clock.Now(),
	}
	doc.StoragePath = StoragePath(userID, doc.ID)
	if doc.FileName == "" {
		doc.FileName = doc.ID
	}

	if err := w.blobs.Put(ctx, doc.StoragePath, data, doc.MimeType); err != nil {
		return domain.Document{}, fmt.Errorf("vault %s: %w: %w", doc.ID, domain.ErrStorageWrite, err)
	}
	if err := w.docs.Create(ctx, doc); err != nil {
		if derr := w.blobs.Delete(ctx, doc.StoragePath); derr != nil {
			w.logger.Warn("orphaned blob after failed insert", zap.String("path", doc.StoragePath), zap.Error(derr))
		}
		return domain.Document{}, fmt.Errorf("record document %s: %w", doc.ID, err)
	}

	if _, err := w.audit.Append(ctx, doc.ID, domain.AuditVaulted, domain.ActorSystem, map[string]any{
		"fingerprint": doc.Fingerprint,
		"size_bytes":  doc.SizeBytes,
		"source":      doc.Source,
	}); err != nil {
		return domain.Document{}, err
	}

	w.logger.Info("document vaulted",
		zap.String("document_id", doc.ID),
		zap.String("user_id", userID),
		zap.String("source", source),
		zap.String("fingerprint", doc.Fingerprint),
		zap.Int64("size_bytes", doc.SizeBytes),
	)
	return doc, nil
}

// Get loads document metadata without recording access.
func (w *Writer) Get(ctx context.Context, documentID string) (domain.Document, error) {
	return w.docs.Get(ctx, documentID)
}

// List returns the user's most recent documents.
func (w *Writer) List(ctx context.Context, userID string, limit int) ([]domain.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	docs, err := w.docs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// View returns metadata and records a viewed entry.
func (w *Writer) View(ctx context.Context, documentID, actor string) (domain.Document, error) {
	doc, err := w.docs.Get(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	if _, err := w.audit.Append(ctx, doc.ID, domain.AuditViewed, actor, nil); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Read returns the stored bytes and records a downloaded entry.
func (w *Writer) Read(ctx context.Context, documentID, actor string) (domain.Document, []byte, error) {
	doc, err := w.docs.Get(ctx, documentID)
	if err != nil {
		return domain.Document{}, nil, err
	}
	data, err := w.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return domain.Document{}, nil, fmt.Errorf("read document %s: %w", doc.ID, err)
	}
	if _, err := w.audit.Append(ctx, doc.ID, domain.AuditDownloaded, actor, map[string]any{"size_bytes": len(data)}); err != nil {
		return domain.Document{}, nil, err
	}
	return doc, data, nil
}

// Verification is the outcome of re-checking a vaulted document.
type Verification struct {
	DocumentID          string `json:"document_id"`
	StoredFingerprint   string `json:"stored_fingerprint"`
	ComputedFingerprint string `json:"computed_fingerprint"`
	Intact              bool   `json:"intact"`
	BlockchainTxID      string `json:"blockchain_tx_id,omitempty"`
	// AnchorChecked is false when there is no transaction or no ledger.
	AnchorChecked bool   `json:"anchor_checked"`
	AnchorMatches bool   `json:"anchor_matches"`
	AnchorError   string `json:"anchor_error,omitempty"`
}

// Verify recomputes the fingerprint over the stored bytes, checks the
// anchoring transaction when there is one, and records a verified entry.
func (w *Writer) Verify(ctx context.Context, documentID, actor string) (Verification, error) {
	doc, err := w.docs.Get(ctx, documentID)
	if err != nil {
		return Verification{}, err
	}
	data, err := w.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return Verification{}, fmt.Errorf("read document %s: %w", doc.ID, err)
	}

	v := Verification{
		DocumentID:          doc.ID,
		StoredFingerprint:   doc.Fingerprint,
		ComputedFingerprint: Fingerprint(data),
		BlockchainTxID:      doc.BlockchainTxID,
	}
	v.Intact = v.StoredFingerprint == v.ComputedFingerprint

	if doc.Anchored() && w.anchors != nil {
		payload, err := w.anchors.TransactionData(ctx, doc.BlockchainTxID)
		if err != nil {
			v.AnchorError = err.Error()
		} else {
			v.AnchorChecked = true
			want, _ := hex.DecodeString(doc.Fingerprint)
			v.AnchorMatches = len(want) > 0 && bytes.Contains(payload, want)
		}
	}

	meta := map[string]any{"intact": v.Intact}
	if v.AnchorChecked {
		meta["anchor_matches"] = v.AnchorMatches
	}
	if _, err := w.audit.Append(ctx, doc.ID, domain.AuditVerified, actor, meta); err != nil {
		return Verification{}, err
	}
	return v, nil
}
