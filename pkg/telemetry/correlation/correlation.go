// Package correlation carries a ULID correlation id across a request and
// into stored records.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// ExtractCorrelationID returns the correlation id on ctx, if any.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID returns ctx carrying a correlation id, generating one
// when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Stamp copies metadata and adds the correlation id of ctx together with the
// active trace and span ids.
func Stamp(ctx context.Context, metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+3)
	for key, value := range metadata {
		out[key] = value
	}
	if _, ok := out["correlation_id"]; !ok {
		_, cid := EnsureCorrelationID(ctx)
		out["correlation_id"] = cid
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out["trace_id"] = sc.TraceID().String()
		out["span_id"] = sc.SpanID().String()
	}
	return out
}
