package db

import (
	"context"
	"errors"
	"strings"
	"time"

	obslogger "github.com/smallbiznis/railtab/internal/observability/logger"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowThreshold = 200 * time.Millisecond

// QueryLogger routes GORM output through the request-scoped zap logger.
// Bound parameters are never logged.
type QueryLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewQueryLogger returns a logger at Warn level. A zero threshold falls back
// to 200ms.
func NewQueryLogger(slowThreshold time.Duration) *QueryLogger {
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowThreshold
	}
	return &QueryLogger{level: gormlogger.Warn, slowThreshold: slowThreshold}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		obslogger.FromContext(ctx).Info(msg, zap.String("component", "db"), zap.Any("data", data))
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		obslogger.FromContext(ctx).Warn(msg, zap.String("component", "db"), zap.Any("data", data))
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		obslogger.FromContext(ctx).Error(msg, zap.String("component", "db"), zap.Any("data", data))
	}
}

// Trace logs failed and slow statements. Missing rows are never logged;
// unique violations and lock contention are logged as warnings since callers
// recover from them.
func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	log := obslogger.FromContext(ctx)

	switch {
	case err != nil && errors.Is(err, gormlogger.ErrRecordNotFound):
		return
	case err != nil && l.level >= gormlogger.Error:
		reason := queryFailureReason(err)
		fields := append(queryFields(fc, elapsed), zap.String("reason", reason), zap.Error(err))
		if reason == "internal" {
			log.Error("db.query_failed", fields...)
			return
		}
		log.Warn("db.query_failed", fields...)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		log.Warn("db.query_slow", append(queryFields(fc, elapsed),
			zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= gormlogger.Info:
		log.Debug("db.query", queryFields(fc, elapsed)...)
	}
}

// ParamsFilter drops bound values; payment metadata and webhook payloads
// pass through these statements.
func (l *QueryLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func queryFields(fc func() (string, int64), elapsed time.Duration) []zap.Field {
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("component", "db"),
		zap.String("operation", statementVerb(sql)),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	return fields
}

func queryFailureReason(err error) string {
	switch {
	case IsDuplicateKeyErr(err):
		return "duplicate_key"
	case IsDeadlock(err):
		return "deadlock"
	case IsSerializationFailure(err):
		return "serialization_failure"
	case IsLockTimeout(err):
		return "lock_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

func statementVerb(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "SAVEPOINT", "RELEASE", "ROLLBACK":
			return token
		}
	}
	return "OTHER"
}

var _ gormlogger.Interface = (*QueryLogger)(nil)
