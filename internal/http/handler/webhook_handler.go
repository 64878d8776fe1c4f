package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/adapter/queue"
	"github.com/smallbiznis/signvault/internal/domain"
	"github.com/smallbiznis/signvault/internal/provider"
	"github.com/smallbiznis/signvault/internal/service/events"
	"github.com/smallbiznis/signvault/internal/service/token"
)

const (
	maxWebhookBody = 10 << 20
	unknownEvent   = "unknown"
)

// WebhookHandler records inbound provider notifications and hands them to
// the pipeline. It answers 200 once the event is durably recorded.
type WebhookHandler struct {
	registry *provider.Registry
	catalog  token.Catalog
	recorder *events.Recorder
	queue    queue.Queue
	logger   *zap.Logger
}

func NewWebhookHandler(registry *provider.Registry, catalog token.Catalog, recorder *events.Recorder, q queue.Queue, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &WebhookHandler{registry: registry, catalog: catalog, recorder: recorder, queue: q, logger: logger.Named("webhook")}
}

// Receive handles POST /webhooks/:provider.
func (h *WebhookHandler) Receive(c *gin.Context) {
	adapter, err := h.registry.Get(c.Param("provider"))
	if err != nil {
		abortJSON(c, http.StatusNotFound, "provider_not_found", "Provider is not configured.")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		abortJSON(c, http.StatusRequestEntityTooLarge, "invalid_request", "Webhook body could not be read.")
		return
	}
	body, err := extractPayload(c.ContentType(), c.GetHeader("Content-Type"), raw)
	if err != nil {
		// An unreadable envelope is still recorded so the delivery is not lost.
		h.logger.Warn("webhook envelope not decodable", zap.String("provider", adapter.Name()), zap.Error(err))
		body = raw
	}

	if err := h.verify(adapter, body, c.Request); err != nil {
		if !errors.Is(err, domain.ErrParse) {
			h.logger.Warn("webhook signature rejected", zap.String("provider", adapter.Name()), zap.Error(err))
			abortJSON(c, http.StatusUnauthorized, "invalid_signature", "Webhook signature could not be verified.")
			return
		}
		// The signature travels inside a payload that does not decode; the
		// delivery is recorded below as unparseable.
		h.logger.Warn("webhook signature not checkable", zap.String("provider", adapter.Name()), zap.Error(err))
	}

	ctx := c.Request.Context()
	ev, parseErr := adapter.ParseWebhook(body)
	eventID, eventType := ev.ProviderEventID, ev.EventType
	if parseErr != nil || eventID == "" {
		eventID = provider.SynthesizeEventID(body)
	}
	if eventType == "" {
		eventType = unknownEvent
	}

	claim, err := h.recorder.RecordAndClaim(ctx, adapter.Name(), eventID, eventType, body)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	log := h.logger.With(
		zap.String("provider", adapter.Name()),
		zap.String("provider_event_id", eventID),
		zap.Int64("event_id", claim.EventRecordID),
	)
	switch {
	case !claim.IsNew:
		log.Info("duplicate delivery acknowledged", zap.String("status", string(claim.Status)))
	case parseErr != nil:
		if err := h.recorder.MarkProcessed(ctx, claim.EventRecordID, parseErr); err != nil {
			log.Error("mark unparseable event failed", zap.Error(err))
		}
		log.Warn("unparseable webhook recorded", zap.Error(parseErr))
	default:
		h.enqueue(ctx, log, queue.Job{EventID: claim.EventRecordID, Provider: adapter.Name()})
	}

	h.acknowledge(c, adapter, claim)
}

func (h *WebhookHandler) enqueue(ctx context.Context, log *zap.Logger, job queue.Job) {
	if err := h.queue.Enqueue(ctx, job); err != nil {
		// The event stays in received; the sweeper picks it up.
		log.Warn("enqueue failed", zap.Error(err))
		return
	}
	log.Info("webhook event queued")
}

func (h *WebhookHandler) verify(adapter provider.Adapter, body []byte, r *http.Request) error {
	cfg, err := h.catalog.Provider(adapter.Name())
	if err != nil || cfg.WebhookSecret == "" {
		return nil
	}
	return adapter.VerifySignature(provider.Webhook{Body: body, Header: r.Header, Query: r.URL.Query()}, cfg.WebhookSecret)
}

func (h *WebhookHandler) acknowledge(c *gin.Context, adapter provider.Adapter, claim events.Claim) {
	if ack, ok := adapter.(provider.Acknowledger); ok {
		c.String(http.StatusOK, ack.Acknowledgement())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": !claim.IsNew,
		"event_id":  fmt.Sprint(claim.EventRecordID),
	})
}

// extractPayload returns the provider JSON from a webhook body. Form
// deliveries carry it in the "json" field.
func extractPayload(mediaType, contentType string, raw []byte) ([]byte, error) {
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		if v := values.Get("json"); v != "" {
			return []byte(v), nil
		}
		return nil, errors.New("form has no json field")
	case "multipart/form-data":
		_, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("parse content type: %w", err)
		}
		form, err := multipart.NewReader(bytes.NewReader(raw), params["boundary"]).ReadForm(maxWebhookBody)
		if err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		defer func() { _ = form.RemoveAll() }()
		if v := form.Value["json"]; len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			return []byte(v[0]), nil
		}
		return nil, errors.New("multipart form has no json field")
	default:
		return raw, nil
	}
}
