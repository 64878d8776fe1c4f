package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/jwt"
)

const (
	userIDKey       = "userID"
	accessClaimsKey = "accessClaims"
)

// Auth validates the Authorization header and attaches the caller.
type Auth struct {
	Tokens *jwt.Generator
	Clock  clock.Clock
}

func NewAuth(tokens *jwt.Generator, c clock.Clock) *Auth {
	if c == nil {
		c = clock.Real()
	}
	return &Auth{Tokens: tokens, Clock: c}
}

// ValidateJWT ensures the request has a valid bearer token.
func (m *Auth) ValidateJWT(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	claims, custom, err := m.Tokens.Validate(strings.TrimSpace(parts[1]), m.Clock.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid access token."})
		return
	}
	c.Set(userIDKey, claims.Subject)
	c.Set(accessClaimsKey, custom)
	c.Next()
}

// UserID returns the authenticated caller.
func UserID(c *gin.Context) (string, bool) {
	id := c.GetString(userIDKey)
	return id, id != ""
}

// SetUserID attaches a caller without a token, for handler tests.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// GetAccessClaims exposes custom access token claims to handlers.
func GetAccessClaims(c *gin.Context) (*jwt.AccessTokenClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.AccessTokenClaims)
	return claims, ok
}
