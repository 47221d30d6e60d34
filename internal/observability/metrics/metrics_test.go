package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("payment_id", "456"),
		attribute.String("method", "fifo"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "org_id" && attrs[1].Key != "org_id" {
		t.Fatalf("expected org_id to be retained")
	}
	if attrs[0].Key != "method" && attrs[1].Key != "method" {
		t.Fatalf("expected method to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordPaymentEvent(context.Background(), "stripe", "payment_succeeded", "processed")
	m.RecordAllocatedCents(context.Background(), "fifo", 100)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "railtab"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPaymentEvent(context.Background(), "stripe", "refunded", "processed")
	m.RecordRateLimitDenied(context.Background(), "1", "/api/payments/:id/allocations", "exhausted")
}
