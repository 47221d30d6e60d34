package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/internal/clock"
	"github.com/smallbiznis/railtab/internal/config"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "github.com/smallbiznis/railtab/internal/billinggroup"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Config     *config.AllocationConfigHolder
	AuditSvc   auditdomain.Service        `optional:"true"`
	Metrics    *obsmetrics.BillingMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

// core holds what the allocation and deletion services share.
type core struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	config     *config.AllocationConfigHolder
	auditSvc   auditdomain.Service
	metrics    *obsmetrics.BillingMetrics
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func newCore(p Params, name string) core {
	cfg := p.Config
	if cfg == nil {
		cfg = config.NewStaticAllocationConfig(config.DefaultAllocationConfig())
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return core{
		db:         p.DB,
		log:        p.Log.Named(name),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		config:     cfg,
		auditSvc:   p.AuditSvc,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer(tracerName),
	}
}

func (c *core) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *core) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "billinggroup."+operation, trace.WithAttributes(attrs...))
}

// finish closes span and records the outcome of operation.
func (c *core) finish(span trace.Span, operation, method, outcome string, started time.Time, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome == "" {
			outcome = obsmetrics.OutcomeFailed
		}
		c.metrics.ObserveError(operation, err)
	}
	if outcome == "" {
		outcome = obsmetrics.OutcomeSuccess
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	c.metrics.ObserveOperation(operation, method, outcome, time.Since(started))
}

func (c *core) audit(ctx context.Context, orgID snowflake.ID, actorType auditdomain.ActorType, actorID string, action, targetType string, targetID snowflake.ID, metadata map[string]any) {
	if c.auditSvc == nil {
		return
	}
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if err := c.auditSvc.AuditLog(ctx, &orgID, string(actorType), actor, action, targetType, auditdomain.Target(targetID), metadata); err != nil {
		c.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("target_id", targetID.String()),
			zap.Error(err),
		)
	}
}

// logFailure logs unexpected failures. Domain errors are the caller's
// problem and are not logged above debug.
func (c *core) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if domain.IsDomainError(err) {
		c.log.Debug(msg, fields...)
		return
	}
	c.log.Error(msg, fields...)
}
