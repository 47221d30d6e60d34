package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/railtab/internal/observability/context"
	"github.com/smallbiznis/railtab/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier returns the error type and code written on failed
	// requests.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware seeds the request context with request, client and
// correlation ids, then writes one access log line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFrom(c)
		c.Header(HeaderRequestID, requestID)

		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
		if cid == "" {
			cid = requestID
		}
		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = obscontext.WithClient(ctx, c.ClientIP(), c.Request.UserAgent())
		ctx = correlation.ContextWithCorrelationID(ctx, cid)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		// Tenant middleware may have replaced the request context; its org
		// and actor ride along through FromContext.
		ctx = c.Request.Context()
		status := c.Writer.Status()
		route := c.FullPath()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if provider := c.Param("provider"); provider != "" {
			fields = append(fields, zap.String("provider", provider))
		}

		var errorType string
		if last := c.Errors.Last(); last != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.NamedError("error", last.Err))
			}
		}

		if ce := FromContext(ctx).Check(accessLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFrom(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(HeaderRequestID)); id != "" {
		return id
	}
	return uuid.NewString()
}

// accessLevel keeps health checks and scrapes out of the info stream and reserves
// error for server faults. Rejected webhook deliveries are routine noise.
func accessLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case route == "/metrics" || route == "/health":
		return zapcore.DebugLevel
	case strings.HasPrefix(route, "/webhooks/") && status >= http.StatusBadRequest && errorType == "validation_error":
		return zapcore.DebugLevel
	case status == http.StatusTooManyRequests || status == http.StatusConflict:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
