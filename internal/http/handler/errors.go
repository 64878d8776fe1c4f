package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/domain"
	domainoauth "github.com/smallbiznis/signvault/internal/domain/oauth"
)

func abortJSON(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "error_description": description})
}

// respondError maps service errors onto JSON error bodies.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, domainoauth.ErrProviderNotFound):
		abortJSON(c, http.StatusNotFound, "provider_not_found", "Provider is not configured.")
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		abortJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domainoauth.ErrInvalidState):
		abortJSON(c, http.StatusBadRequest, "invalid_state", "Authorization state is unknown, expired or already used.")
	case errors.Is(err, domain.ErrNotFound):
		abortJSON(c, http.StatusNotFound, "not_found", "Resource not found.")
	case errors.Is(err, domain.ErrStorageWrite):
		logger.Error("storage write failed", zap.Error(err))
		abortJSON(c, http.StatusServiceUnavailable, "storage_unavailable", "Document storage is unavailable.")
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrLedgerUnavailable):
		logger.Warn("ledger unavailable", zap.Error(err))
		abortJSON(c, http.StatusBadGateway, domain.ErrorKind(err), "Anchoring is currently unavailable.")
	case errors.Is(err, domain.ErrAuth), errors.Is(err, domainoauth.ErrExchangeFailed):
		logger.Warn("provider rejected credentials", zap.Error(err))
		abortJSON(c, http.StatusBadGateway, "provider_auth_error", "The provider rejected the request.")
	case errors.Is(err, domain.ErrTransientProvider):
		abortJSON(c, http.StatusBadGateway, "provider_unavailable", "The provider is temporarily unavailable.")
	default:
		logger.Error("request failed", zap.Error(err))
		abortJSON(c, http.StatusInternalServerError, "server_error", "Internal server error.")
	}
}
