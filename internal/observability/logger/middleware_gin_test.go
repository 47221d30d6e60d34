package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLogsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "conflict", "deletion_blocked" },
	}))
	r.DELETE("/api/billing-groups/:id", func(c *gin.Context) {
		_ = c.Error(errors.New("blocked"))
		c.Status(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/billing-groups/9", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	entry := entries[0]
	require.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	require.Equal(t, "/api/billing-groups/:id", fields["route"])
	require.Equal(t, int64(http.StatusConflict), fields["status"])
	require.Equal(t, "conflict", fields["error_type"])
	require.Equal(t, "corr-1", fields["correlation_id"])
	require.Equal(t, rec.Header().Get(HeaderRequestID), fields["request_id"])
}

func TestGinMiddlewareKeepsIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestAccessLevel(t *testing.T) {
	require.Equal(t, zapcore.ErrorLevel, accessLevel("/api/x", 500, ""))
	require.Equal(t, zapcore.DebugLevel, accessLevel("/metrics", 200, ""))
	require.Equal(t, zapcore.DebugLevel, accessLevel("/webhooks/:provider", 400, "validation_error"))
	require.Equal(t, zapcore.WarnLevel, accessLevel("/api/x", 429, ""))
	require.Equal(t, zapcore.InfoLevel, accessLevel("/api/x", 200, ""))
}
