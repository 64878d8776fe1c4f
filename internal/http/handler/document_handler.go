package handler

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/http/middleware"
	"github.com/smallbiznis/signvault/internal/service/anchor"
	"github.com/smallbiznis/signvault/internal/service/audit"
	"github.com/smallbiznis/signvault/internal/service/vault"
)

const maxUploadBytes = 100 << 20

// DocumentHandler serves vaulted documents to their owners.
type DocumentHandler struct {
	vault   *vault.Writer
	anchors *anchor.Service
	audit   *audit.Writer
	logger  *zap.Logger
}

func NewDocumentHandler(v *vault.Writer, anchors *anchor.Service, auditWriter *audit.Writer, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &DocumentHandler{vault: v, anchors: anchors, audit: auditWriter, logger: logger.Named("documents")}
}

type documentResponse struct {
	ID             string    `json:"id"`
	FileName       string    `json:"file_name"`
	Fingerprint    string    `json:"sha256"`
	SizeBytes      int64     `json:"size_bytes"`
	MimeType       string    `json:"mime_type"`
	Source         string    `json:"source"`
	RetentionDays  int       `json:"retention_days"`
	BlockchainTxID string    `json:"blockchain_tx_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toDocumentResponse(doc domain.Document) documentResponse {
	return documentResponse{
		ID:             doc.ID,
		FileName:       doc.FileName,
		Fingerprint:    doc.Fingerprint,
		SizeBytes:      doc.SizeBytes,
		MimeType:       doc.MimeType,
		Source:         doc.Source,
		RetentionDays:  doc.RetentionDays,
		BlockchainTxID: doc.BlockchainTxID,
		CreatedAt:      doc.CreatedAt,
	}
}

type auditResponse struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// owned loads the document named in the path and checks it belongs to the
// caller. Other users' documents are reported as missing.
func (h *DocumentHandler) owned(c *gin.Context) (domain.Document, string, bool) {
	userID, _ := middleware.UserID(c)
	doc, err := h.vault.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return domain.Document{}, "", false
	}
	if doc.UserID != userID {
		respondError(c, h.logger, fmt.Errorf("document %s: %w", doc.ID, domain.ErrNotFound))
		return domain.Document{}, "", false
	}
	return doc, userID, true
}

// Upload handles POST /documents with a multipart "file" field.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	file, err := c.FormFile("file")
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_request", "A multipart file field is required.")
		return
	}
	f, err := file.Open()
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_request", "Uploaded file could not be read.")
		return
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "invalid_request", "Uploaded file could not be read.")
		return
	}

	ctx := c.Request.Context()
	doc, err := h.vault.Vault(ctx, data, userID, file.Filename, domain.SourceManualUpload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	doc.BlockchainTxID = h.anchors.Anchor(ctx, doc)
	c.JSON(http.StatusCreated, toDocumentResponse(doc))
}

// List handles GET /documents.
func (h *DocumentHandler) List(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	docs, err := h.vault.List(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// Get handles GET /documents/:id.
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, userID, ok := h.owned(c)
	if !ok {
		return
	}
	doc, err := h.vault.View(c.Request.Context(), doc.ID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentResponse(doc))
}

// Download handles GET /documents/:id/download.
func (h *DocumentHandler) Download(c *gin.Context) {
	doc, userID, ok := h.owned(c)
	if !ok {
		return
	}
	doc, data, err := h.vault.Read(c.Request.Context(), doc.ID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
	c.Header("X-Content-SHA256", doc.Fingerprint)
	c.Data(http.StatusOK, doc.MimeType, data)
}

// History handles GET /documents/:id/history. Reading history is not
// itself audited.
func (h *DocumentHandler) History(c *gin.Context) {
	doc, _, ok := h.owned(c)
	if !ok {
		return
	}
	entries, err := h.audit.History(c.Request.Context(), doc.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:        strconv.FormatInt(e.ID, 10),
			EventType: string(e.EventType),
			Actor:     e.Actor,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"document_id": doc.ID, "entries": out})
}

// Verify handles POST /documents/:id/verify.
func (h *DocumentHandler) Verify(c *gin.Context) {
	doc, userID, ok := h.owned(c)
	if !ok {
		return
	}
	result, err := h.vault.Verify(c.Request.Context(), doc.ID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Anchor handles POST /documents/:id/anchor, replacing any previous
// transaction id.
func (h *DocumentHandler) Anchor(c *gin.Context) {
	doc, userID, ok := h.owned(c)
	if !ok {
		return
	}
	doc, err := h.anchors.Reanchor(c.Request.Context(), doc.ID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentResponse(doc))
}
