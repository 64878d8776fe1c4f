package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/jwt"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *jwt.Generator, *clock.FakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	key, err := jwt.NewKey([]byte(strings.Repeat("s", 32)))
	require.NoError(t, err)
	gen := jwt.NewGenerator(key, "", time.Hour)
	clk := clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	auth := NewAuth(gen, clk)
	r.GET("/me", auth.ValidateJWT, func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id)
	})
	return r, gen, clk
}

func TestValidateJWT(t *testing.T) {
	r, gen, clk := newAuthRouter(t)
	token, err := gen.Issue("user-7", jwt.AccessTokenClaims{}, clk.Now())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-7", w.Body.String())
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	for _, header := range []string{"", "Basic abc", "Bearer nope"} {
		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code, header)
		require.Contains(t, w.Body.String(), "invalid_token")
	}

	clk.Advance(2 * time.Hour)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestLoggerKeepsIncomingID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, RequestID(c)) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	r.ServeHTTP(w, req)
	require.Equal(t, "req-123", w.Body.String())
	require.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestRateLimiterPerProvider(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/:provider", NewRateLimiter(10).Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(provider string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, nil))
		return w.Code
	}

	require.Equal(t, http.StatusOK, send("docusign"))
	require.Equal(t, http.StatusTooManyRequests, send("docusign"))
	require.Equal(t, http.StatusOK, send("pandadoc"))
}

func TestRateLimiterDisabled(t *testing.T) {
	require.Nil(t, NewRateLimiter(0))
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var limiter *RateLimiter
	r.GET("/", limiter.Handler(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com/"}))
	r.GET("/documents", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/documents", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
