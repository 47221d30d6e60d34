package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/internal/clock"
	"github.com/smallbiznis/railtab/internal/config"
	obslogger "github.com/smallbiznis/railtab/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"github.com/smallbiznis/railtab/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"github.com/smallbiznis/railtab/internal/ratelimit"
	"github.com/smallbiznis/railtab/pkg/rls"
	"github.com/smallbiznis/railtab/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const lockTTL = 30 * time.Second

var tracer = otel.Tracer("github.com/smallbiznis/railtab/internal/payment/webhook")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Repo          paymentdomain.Repository
	BillingRepo   bgdomain.Repository
	Allocation    bgdomain.AllocationService
	Adapters      *adapters.Registry
	AdapterConfig []paymentdomain.AdapterConfig `optional:"true"`
	Locker        *ratelimit.Locker             `optional:"true"`
	AuditSvc      auditdomain.Service           `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        paymentdomain.Repository
	billingRepo bgdomain.Repository
	allocation  bgdomain.AllocationService
	adapters    *adapters.Registry
	configs     map[string]paymentdomain.AdapterConfig
	locker      *ratelimit.Locker
	auditSvc    auditdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	configs := map[string]paymentdomain.AdapterConfig{}
	if secret := strings.TrimSpace(p.Cfg.StripeWebhookSecret); secret != "" {
		configs["stripe"] = paymentdomain.AdapterConfig{
			Provider: "stripe",
			Config:   map[string]any{"webhook_secret": secret},
		}
	}
	for _, cfg := range p.AdapterConfig {
		provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
		if provider != "" {
			configs[provider] = cfg
		}
	}

	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.webhook"),
		genID:       p.GenID,
		clock:       clk,
		repo:        p.Repo,
		billingRepo: p.BillingRepo,
		allocation:  p.Allocation,
		adapters:    p.Adapters,
		configs:     configs,
		locker:      p.Locker,
		auditSvc:    p.AuditSvc,
		obsMetrics:  p.ObsMetrics,
	}
}

// IngestWebhook verifies, deduplicates and applies one processor delivery.
// Ignored event types and redeliveries of processed events succeed without
// side effects.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if !s.adapters.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	cfg, ok := s.configs[provider]
	if !ok {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(cfg)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, "ignored", "ignored")
		return nil
	}
	if err != nil {
		return err
	}

	ctx = correlation.ContextWithCorrelationID(ctx, event.ProviderEventID)
	ctx, span := tracer.Start(ctx, "payment.webhook.ingest")
	span.SetAttributes(
		attribute.String("payment.provider", provider),
		attribute.String("payment.event_type", event.Type),
		attribute.String("payment.provider_event_id", event.ProviderEventID),
	)
	outcome := "processed"
	defer func() {
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type, outcome)
	}()

	lockKey := "railtab:webhook:" + provider + ":" + event.ProviderPaymentID
	err = s.locker.WithLock(ctx, lockKey, lockTTL, func(ctx context.Context) error {
		duplicate, err := s.process(ctx, event)
		if duplicate {
			outcome = "duplicate"
		}
		return err
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return paymentdomain.ErrEventInFlight
	}
	return err
}

type transition struct {
	payment bgdomain.Payment
	from    bgdomain.PaymentStatus
	to      bgdomain.PaymentStatus
	changed bool
}

func (s *Service) process(ctx context.Context, event *paymentdomain.PaymentEvent) (bool, error) {
	record, duplicate, err := s.receive(ctx, event)
	if err != nil || duplicate {
		return duplicate, err
	}

	var result transition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.transition(ctx, tx, event)
		return err
	})
	if err != nil {
		return false, err
	}

	if err := s.settleAllocations(ctx, event, result); err != nil {
		return false, err
	}

	orgID, paymentID := result.payment.OrgID, result.payment.ID
	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, &orgID, &paymentID, s.clock.Now()); err != nil {
		return false, err
	}

	if result.changed {
		s.audit(ctx, event, result)
	}
	s.log.Info("payment webhook processed",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		obslogger.PaymentID(paymentID),
		zap.String("organization_id", orgID.String()),
		zap.String("status", string(result.to)),
		zap.Bool("status_changed", result.changed),
	)
	return false, nil
}

// receive records the delivery. A delivery whose earlier attempt finished is
// reported as a duplicate; an unfinished one is processed again.
func (s *Service) receive(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, bool, error) {
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, false, nil
	}

	existing, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, paymentdomain.ErrInvalidEvent
	}
	if existing.ProcessedAt != nil {
		s.log.Debug("payment webhook already processed",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return existing, true, nil
	}
	return existing, false, nil
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (transition, error) {
	payment, err := s.findPayment(ctx, tx, event)
	if err != nil {
		return transition{}, err
	}
	if err := rls.WithTenant(tx, payment.OrgID); err != nil {
		return transition{}, err
	}

	result := transition{payment: *payment, from: payment.Status, to: payment.Status}
	var from []bgdomain.PaymentStatus
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		from = []bgdomain.PaymentStatus{bgdomain.PaymentStatusPending, bgdomain.PaymentStatusFailed}
		result.to = bgdomain.PaymentStatusSucceeded
	case paymentdomain.EventTypePaymentFailed:
		from = []bgdomain.PaymentStatus{bgdomain.PaymentStatusPending}
		result.to = bgdomain.PaymentStatusFailed
	case paymentdomain.EventTypeRefunded:
		from = []bgdomain.PaymentStatus{bgdomain.PaymentStatusSucceeded, bgdomain.PaymentStatusPartiallyRefunded}
		result.to = bgdomain.PaymentStatusRefunded
		if event.PartialRefund {
			result.to = bgdomain.PaymentStatusPartiallyRefunded
		}
	default:
		return transition{}, paymentdomain.ErrInvalidEvent
	}

	changed, err := s.billingRepo.TransitionPaymentStatus(ctx, tx, payment.ID, from, result.to, s.clock.Now())
	if err != nil {
		return transition{}, err
	}
	result.changed = changed
	if changed {
		result.payment.Status = result.to
	} else {
		result.to = payment.Status
	}
	return result, nil
}

func (s *Service) findPayment(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (*bgdomain.Payment, error) {
	if event.PaymentID != nil {
		payment, err := s.billingRepo.FindPaymentForUpdate(ctx, tx, *event.PaymentID)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}
	payment, err := s.billingRepo.FindPaymentByProcessorIDForUpdate(ctx, tx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		s.log.Warn("payment webhook does not match a payment",
			zap.String("provider", event.Provider),
			zap.String("provider_payment_id", event.ProviderPaymentID),
		)
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

// settleAllocations splits a newly succeeded payment across the billing
// groups named in the checkout metadata and undoes the split on a full
// refund. Partial refunds leave group balances alone.
func (s *Service) settleAllocations(ctx context.Context, event *paymentdomain.PaymentEvent, result transition) error {
	if s.allocation == nil {
		return nil
	}
	switch {
	case event.Type == paymentdomain.EventTypePaymentSucceeded && result.to == bgdomain.PaymentStatusSucceeded:
		allocated, err := s.allocation.AllocateFromCheckoutMetadata(ctx, result.payment.ID, event.Metadata)
		switch {
		case errors.Is(err, bgdomain.ErrAlreadyAllocated):
			return nil
		case errors.Is(err, bgdomain.ErrValidation), errors.Is(err, bgdomain.ErrNotFound):
			s.log.Warn("checkout allocation rejected; payment applies to the tab",
				obslogger.PaymentID(result.payment.ID),
				zap.Error(err),
			)
			return nil
		case err != nil:
			return err
		}
		if allocated != nil {
			s.log.Info("checkout payment allocated",
				obslogger.PaymentID(result.payment.ID),
				zap.Int("groups", len(allocated.Allocations)),
			)
		}
	case event.Type == paymentdomain.EventTypeRefunded && result.to == bgdomain.PaymentStatusRefunded:
		err := s.allocation.ReverseAllocation(ctx, result.payment.ID)
		if errors.Is(err, bgdomain.ErrAllocationsNotFound) || errors.Is(err, bgdomain.ErrAlreadyReversed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) audit(ctx context.Context, event *paymentdomain.PaymentEvent, result transition) {
	if s.auditSvc == nil {
		return
	}
	orgID := result.payment.OrgID
	metadata := map[string]any{
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.Type,
		"from":              string(result.from),
		"to":                string(result.to),
	}
	if event.Type == paymentdomain.EventTypeRefunded {
		metadata["amount_refunded"] = event.AmountRefunded.String()
	}
	err := s.auditSvc.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeWebhook), nil,
		auditdomain.ActionPaymentStatusChanged, auditdomain.TargetTypePayment, auditdomain.Target(result.payment.ID), metadata)
	if err != nil {
		s.log.Warn("failed to write audit log", obslogger.PaymentID(result.payment.ID), zap.Error(err))
	}
}
