package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"gorm.io/gorm"
)

const (
	OperationAllocate = "allocate"
	OperationReverse  = "reverse"
	OperationValidate = "validate_deletion"
	OperationDelete   = "delete"
	OperationDefault  = "default_group"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeBlocked = "blocked"
	OutcomeForced  = "forced"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonDeadlock             = "deadlock"
	ReasonUniqueViolation      = "unique_violation"
	ReasonNotFound             = "not_found"
	ReasonValidation           = "validation"
	ReasonUnauthorized         = "unauthorized"
	ReasonDB                   = "db"
	ReasonUnknown              = "unknown"
)

// BillingMetrics tracks the billing group engine on the Prometheus registry
// served at /metrics.
type BillingMetrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	allocatedAmount *prometheus.CounterVec
	unallocated     prometheus.Counter
	blockers        *prometheus.CounterVec
	movedLineItems  prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton registered on the default registerer.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = NewBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// NewBillingMetrics registers a fresh set of collectors on registerer.
func NewBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "railtab"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &BillingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railtab_billing_group_operations_total",
			Help:        "Billing group operations by kind, method and outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "railtab_billing_group_operation_duration_seconds",
			Help:        "Latency of billing group transactions.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railtab_billing_group_errors_total",
			Help:        "Billing group operation failures by classified reason.",
			ConstLabels: constLabels,
		}, []string{"operation", "reason"}),
		allocatedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railtab_allocated_amount_cents_total",
			Help:        "Payment amount allocated to billing groups, in cents.",
			ConstLabels: constLabels,
		}, []string{"method"}),
		unallocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "railtab_unallocated_amount_cents_total",
			Help:        "Payment amount that exceeded the outstanding group balances, in cents.",
			ConstLabels: constLabels,
		}),
		blockers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "railtab_deletion_blockers_total",
			Help:        "Deletion blockers reported by validation, by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		movedLineItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "railtab_deletion_moved_line_items_total",
			Help:        "Line items reassigned by billing group deletions.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.operations,
		m.duration,
		m.errors,
		m.allocatedAmount,
		m.unallocated,
		m.blockers,
		m.movedLineItems,
	)
	return m
}

// ObserveOperation records one finished operation. method may be empty.
func (m *BillingMetrics) ObserveOperation(operation, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, method, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveError classifies err and counts it against operation.
func (m *BillingMetrics) ObserveError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(operation, ClassifyReason(err)).Inc()
}

func (m *BillingMetrics) AddAllocated(method string, cents, unallocatedCents int64) {
	if m == nil {
		return
	}
	if cents > 0 {
		m.allocatedAmount.WithLabelValues(method).Add(float64(cents))
	}
	if unallocatedCents > 0 {
		m.unallocated.Add(float64(unallocatedCents))
	}
}

func (m *BillingMetrics) AddBlocker(blockerType string) {
	if m == nil {
		return
	}
	m.blockers.WithLabelValues(blockerType).Inc()
}

func (m *BillingMetrics) AddMovedLineItems(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.movedLineItems.Add(float64(count))
}

// ClassifyReason maps an error onto a low-cardinality reason label.
func ClassifyReason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case hasPGCode(err, "40P01"):
		return ReasonDeadlock
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	case errors.Is(err, domain.ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, domain.ErrValidation):
		return ReasonValidation
	case errors.Is(err, domain.ErrDatabase):
		return ReasonDB
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ReasonDB
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
