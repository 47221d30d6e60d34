package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"gorm.io/gorm"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReasonDBLockTimeout},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: ReasonSerializationFailure},
		{name: "deadlock", err: fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40P01"}), want: ReasonDeadlock},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: ReasonUniqueViolation},
		{name: "unauthorized", err: domain.ErrOrganizationMismatch, want: ReasonUnauthorized},
		{name: "not_found", err: domain.ErrPaymentNotFound, want: ReasonNotFound},
		{name: "validation", err: domain.ErrNoBalance, want: ReasonValidation},
		{name: "blocked", err: &domain.DeletionBlockedError{}, want: ReasonValidation},
		{name: "wrapped_db", err: domain.WrapDatabase("allocate", errors.New("conn reset")), want: ReasonDB},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveOperation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewBillingMetrics(registry, Config{ServiceName: "railtab", Environment: "test"})

	m.ObserveOperation(OperationAllocate, "fifo", OutcomeSuccess, 20*time.Millisecond)
	m.ObserveOperation(OperationAllocate, "fifo", OutcomeSuccess, 30*time.Millisecond)
	m.ObserveError(OperationDelete, domain.ErrTargetGroupNotFound)
	m.AddAllocated("fifo", 12000, 500)
	m.AddBlocker(string(domain.BlockerInvoice))
	m.AddMovedLineItems(2)

	if got := testutil.ToFloat64(m.operations.WithLabelValues(OperationAllocate, "fifo", OutcomeSuccess)); got != 2 {
		t.Fatalf("expected 2 allocations, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues(OperationDelete, ReasonValidation)); got != 1 {
		t.Fatalf("expected 1 validation error, got %v", got)
	}
	if got := testutil.ToFloat64(m.allocatedAmount.WithLabelValues("fifo")); got != 12000 {
		t.Fatalf("expected 12000 cents, got %v", got)
	}
	if got := testutil.ToFloat64(m.unallocated); got != 500 {
		t.Fatalf("expected 500 unallocated cents, got %v", got)
	}
	if got := testutil.ToFloat64(m.blockers.WithLabelValues("invoice")); got != 1 {
		t.Fatalf("expected 1 invoice blocker, got %v", got)
	}
	if got := testutil.ToFloat64(m.movedLineItems); got != 2 {
		t.Fatalf("expected 2 moved line items, got %v", got)
	}
}

func TestNilBillingMetricsAreSafe(t *testing.T) {
	var m *BillingMetrics
	m.ObserveOperation(OperationReverse, "", OutcomeFailed, time.Millisecond)
	m.ObserveError(OperationReverse, errors.New("boom"))
	m.AddAllocated("equal", 1, 1)
}
