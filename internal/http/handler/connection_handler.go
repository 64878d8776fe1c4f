package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/http/middleware"
	"github.com/smallbiznis/signvault/internal/service/connect"
)

// ConnectionHandler exposes the OAuth connect flow and connection management.
type ConnectionHandler struct {
	connect     *connect.Service
	frontendURL string
	logger      *zap.Logger
}

func NewConnectionHandler(svc *connect.Service, frontendURL string, logger *zap.Logger) *ConnectionHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ConnectionHandler{connect: svc, frontendURL: strings.TrimRight(frontendURL, "/"), logger: logger.Named("connections")}
}

type connectionResponse struct {
	ID             int64     `json:"id"`
	Provider       string    `json:"provider"`
	AccountID      string    `json:"account_id"`
	AccountName    string    `json:"account_name,omitempty"`
	AccountEmail   string    `json:"account_email,omitempty"`
	NeedsReconnect bool      `json:"needs_reconnect"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func toConnectionResponse(conn domain.OAuthConnection) connectionResponse {
	return connectionResponse{
		ID:             conn.ID,
		Provider:       conn.Provider,
		AccountID:      conn.ProviderAccountID,
		AccountName:    conn.AccountName,
		AccountEmail:   conn.AccountEmail,
		NeedsReconnect: conn.NeedsReconnect,
		ExpiresAt:      conn.ExpiresAt,
		CreatedAt:      conn.CreatedAt,
	}
}

// List handles GET /connections.
func (h *ConnectionHandler) List(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	conns, err := h.connect.ListConnections(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, toConnectionResponse(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

// Authorize handles GET /connections/:provider/authorize.
func (h *ConnectionHandler) Authorize(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	auth, err := h.connect.StartAuthorization(c.Request.Context(), userID, c.Param("provider"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// Callback handles GET /connections/:provider/callback and redirects the
// browser back to the frontend with the outcome.
func (h *ConnectionHandler) Callback(c *gin.Context) {
	providerName := c.Param("provider")
	q := url.Values{"provider": {providerName}}

	if oauthErr := strings.TrimSpace(c.Query("error")); oauthErr != "" {
		q.Set("status", "error")
		q.Set("error", oauthErr)
		h.redirect(c, q)
		return
	}

	conn, err := h.connect.HandleCallback(c.Request.Context(), providerName, c.Query("code"), c.Query("state"))
	if err != nil {
		h.logger.Warn("oauth callback failed", zap.String("provider", providerName), zap.Error(err))
		q.Set("status", "error")
		q.Set("error", callbackErrorCode(err))
		h.redirect(c, q)
		return
	}
	q.Set("status", "connected")
	q.Set("account_id", conn.ProviderAccountID)
	h.redirect(c, q)
}

func (h *ConnectionHandler) redirect(c *gin.Context, q url.Values) {
	c.Redirect(http.StatusFound, h.frontendURL+"/connections?"+q.Encode())
}

func callbackErrorCode(err error) string {
	switch {
	case errors.Is(err, domainoauth.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domainoauth.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, domainoauth.ErrExchangeFailed):
		return "exchange_failed"
	default:
		return "server_error"
	}
}

// Delete handles DELETE /connections/:provider.
func (h *ConnectionHandler) Delete(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	if err := h.connect.Disconnect(c.Request.Context(), userID, c.Param("provider")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
