package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"github.com/smallbiznis/railtab/internal/billinggroup/allocation"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	obslogger "github.com/smallbiznis/railtab/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"github.com/smallbiznis/railtab/internal/orgcontext"
	"github.com/smallbiznis/railtab/pkg/money"
	"github.com/smallbiznis/railtab/pkg/rls"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AllocationService struct {
	core
}

func NewAllocationService(p Params) domain.AllocationService {
	return &AllocationService{core: newCore(p, "billinggroup.allocation")}
}

func (s *AllocationService) Allocate(ctx context.Context, req domain.AllocateRequest) (result *domain.AllocationResult, err error) {
	started := time.Now()
	method, methodErr := domain.ParseAllocationMethod(string(req.Method), domain.AllocationMethod(s.config.Get().DefaultMethod))
	ctx, span := s.startSpan(ctx, obsmetrics.OperationAllocate,
		attribute.String("payment_id", req.PaymentID.String()),
		attribute.String("method", string(method)),
		attribute.Int("billing_group_count", len(req.BillingGroupIDs)),
	)
	defer func() { s.finish(span, obsmetrics.OperationAllocate, string(method), "", started, err) }()

	if methodErr != nil {
		return nil, methodErr
	}
	if err := validateGroupIDs(req.BillingGroupIDs); err != nil {
		return nil, err
	}
	strategy, err := allocation.For(method)
	if err != nil {
		return nil, err
	}

	var (
		original domain.Payment
		plan     allocation.Plan
		shares   []domain.GroupAllocation
		updated  []domain.BillingGroup
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindPaymentForUpdate(ctx, tx, req.PaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrPaymentNotFound
		}
		if err := s.checkTenant(ctx, payment.OrgID); err != nil {
			return err
		}
		if err := rls.WithTenant(tx, payment.OrgID); err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusSucceeded {
			return domain.ErrPaymentNotSucceeded
		}
		active, err := s.repo.ListActiveAllocations(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return domain.ErrAlreadyAllocated
		}
		if !isReversed(payment.Metadata) {
			recorded, err := decodeAllocations(payment.Metadata)
			if err != nil {
				s.log.Warn("unreadable allocation metadata", obslogger.PaymentID(payment.ID), zap.Error(err))
				return domain.ErrAlreadyAllocated
			}
			if len(recorded) > 0 {
				return domain.ErrAlreadyAllocated
			}
		}
		original = *payment

		groups, err := s.repo.ListBillingGroupsForUpdate(ctx, tx, payment.OrgID, payment.TabID, req.BillingGroupIDs)
		if err != nil {
			return err
		}
		targets := orderTargets(req.BillingGroupIDs, groups)
		if len(targets) == 0 {
			return domain.ErrNoBillingGroups
		}

		plan, err = strategy.Split(payment.Amount, targets)
		if err != nil {
			return err
		}

		now := s.now()
		shares, err = s.applyLineItemAllocations(ctx, tx, payment, plan, req.LineItemAllocations, now)
		if err != nil {
			return err
		}

		rows := make([]domain.PaymentAllocation, 0, len(shares))
		for _, share := range shares {
			if err := s.repo.AdjustBalance(ctx, tx, share.BillingGroupID, -share.Amount, now); err != nil {
				return err
			}
			rows = append(rows, domain.PaymentAllocation{
				ID:             s.genID.Generate(),
				OrgID:          payment.OrgID,
				PaymentID:      payment.ID,
				BillingGroupID: share.BillingGroupID,
				Amount:         share.Amount,
				Method:         method,
				CreatedAt:      now,
			})
		}
		if err := s.repo.InsertAllocations(ctx, tx, rows); err != nil {
			return err
		}

		metadata := cloneMetadata(payment.Metadata)
		metadata[domain.MetadataBillingGroupAllocations] = encodeAllocations(shares)
		metadata[domain.MetadataAllocationMethod] = string(method)
		metadata[domain.MetadataAllocatedAt] = now.Format(time.RFC3339)
		delete(metadata, domain.MetadataReversed)
		delete(metadata, domain.MetadataReversedAt)
		if plan.Unallocated.IsPositive() {
			metadata[domain.MetadataUnallocatedAmount] = plan.Unallocated.String()
		} else {
			delete(metadata, domain.MetadataUnallocatedAmount)
		}
		if err := s.repo.UpdatePaymentMetadata(ctx, tx, payment.ID, metadata, now); err != nil {
			return err
		}

		updated = make([]domain.BillingGroup, 0, len(shares))
		for _, share := range shares {
			group, err := s.repo.FindBillingGroup(ctx, tx, share.BillingGroupID)
			if err != nil {
				return err
			}
			if group != nil {
				updated = append(updated, *group)
			}
		}
		return nil
	})
	if err != nil {
		err = domain.WrapDatabase("allocate payment", err)
		s.logFailure("allocate payment failed", err,
			obslogger.PaymentID(req.PaymentID),
			zap.String("method", string(method)),
		)
		return nil, err
	}

	allocated := plan.Allocated()
	s.metrics.AddAllocated(string(method), allocated.Cents(), plan.Unallocated.Cents())
	s.obsMetrics.RecordAllocatedCents(ctx, string(method), allocated.Cents())
	if plan.Unallocated.IsPositive() {
		s.log.Warn("payment exceeds outstanding billing group balance",
			obslogger.PaymentID(original.ID),
			zap.String("unallocated", plan.Unallocated.String()),
		)
	}
	s.log.Info("payment allocated",
		obslogger.PaymentID(original.ID),
		zap.String("organization_id", original.OrgID.String()),
		zap.String("method", string(method)),
		zap.Int("groups", len(shares)),
		zap.String("allocated", allocated.String()),
	)
	s.audit(ctx, original.OrgID, auditdomain.ActorTypeSystem, "", auditdomain.ActionBillingGroupAllocated, auditdomain.TargetTypePayment, original.ID, map[string]any{
		"method":      string(method),
		"allocations": encodeAllocations(shares),
		"allocated":   allocated.String(),
		"unallocated": plan.Unallocated.String(),
	})

	return &domain.AllocationResult{
		Payment:       original,
		Allocations:   shares,
		UpdatedGroups: updated,
		Method:        method,
		Unallocated:   plan.Unallocated,
	}, nil
}

func (s *AllocationService) AllocateFromCheckoutMetadata(ctx context.Context, paymentID snowflake.ID, metadata map[string]any) (*domain.AllocationResult, error) {
	ids, err := parseGroupIDs(metadata[domain.MetadataBillingGroupIDs])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rawMethod, _ := metadata[domain.MetadataAllocationMethod].(string)
	return s.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       paymentID,
		BillingGroupIDs: ids,
		Method:          domain.AllocationMethod(rawMethod),
	})
}

func (s *AllocationService) ReverseAllocation(ctx context.Context, paymentID snowflake.ID) (err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, obsmetrics.OperationReverse, attribute.String("payment_id", paymentID.String()))
	defer func() { s.finish(span, obsmetrics.OperationReverse, "", "", started, err) }()

	var (
		orgID    snowflake.ID
		reversed []domain.GroupAllocation
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrAllocationsNotFound
		}
		if err := s.checkTenant(ctx, payment.OrgID); err != nil {
			return err
		}
		if err := rls.WithTenant(tx, payment.OrgID); err != nil {
			return err
		}
		orgID = payment.OrgID

		var fromRows bool
		reversed, fromRows, err = s.activeAllocations(ctx, tx, payment)
		if err != nil {
			return err
		}

		now := s.now()
		marked, err := s.repo.MarkAllocationsReversed(ctx, tx, payment.ID, now)
		if err != nil {
			return err
		}
		if fromRows && marked != int64(len(reversed)) {
			return domain.ErrAlreadyReversed
		}
		for _, share := range reversed {
			group, err := s.repo.FindBillingGroupForUpdate(ctx, tx, share.BillingGroupID)
			if err != nil {
				return err
			}
			if group == nil {
				s.log.Warn("billing group missing during reversal",
					obslogger.PaymentID(payment.ID),
					obslogger.BillingGroupID(share.BillingGroupID),
				)
				continue
			}
			if err := s.repo.AdjustBalance(ctx, tx, group.ID, share.Amount, now); err != nil {
				return err
			}
		}

		metadata := cloneMetadata(payment.Metadata)
		metadata[domain.MetadataReversed] = true
		metadata[domain.MetadataReversedAt] = now.Format(time.RFC3339)
		return s.repo.UpdatePaymentMetadata(ctx, tx, payment.ID, metadata, now)
	})
	if err != nil {
		err = domain.WrapDatabase("reverse allocation", err)
		s.logFailure("reverse allocation failed", err, obslogger.PaymentID(paymentID))
		return err
	}

	s.log.Info("payment allocation reversed",
		obslogger.PaymentID(paymentID),
		zap.Int("groups", len(reversed)),
	)
	s.audit(ctx, orgID, auditdomain.ActorTypeSystem, "", auditdomain.ActionBillingGroupAllocationReverse, auditdomain.TargetTypePayment, paymentID, map[string]any{
		"allocations": encodeAllocations(reversed),
	})
	return nil
}

// activeAllocations returns what must be undone for payment and whether it
// came from allocation rows. Rows are authoritative; the metadata mirror is
// read only for payments allocated before rows were recorded.
func (s *AllocationService) activeAllocations(ctx context.Context, tx *gorm.DB, payment *domain.Payment) ([]domain.GroupAllocation, bool, error) {
	if isReversed(payment.Metadata) {
		return nil, false, domain.ErrAlreadyReversed
	}
	rows, err := s.repo.ListActiveAllocations(ctx, tx, payment.ID)
	if err != nil {
		return nil, false, err
	}
	if len(rows) > 0 {
		out := make([]domain.GroupAllocation, 0, len(rows))
		for _, row := range rows {
			out = append(out, domain.GroupAllocation{BillingGroupID: row.BillingGroupID, Amount: row.Amount})
		}
		return out, true, nil
	}
	// Reversed rows without an active one: the mirror is stale.
	total, err := s.repo.CountAllocations(ctx, tx, payment.ID)
	if err != nil {
		return nil, false, err
	}
	if total > 0 {
		return nil, false, domain.ErrAlreadyReversed
	}
	recorded, err := decodeAllocations(payment.Metadata)
	if err != nil {
		s.log.Warn("unreadable allocation metadata", obslogger.PaymentID(payment.ID), zap.Error(err))
		return nil, false, domain.ErrAllocationsNotFound
	}
	if len(recorded) == 0 {
		return nil, false, domain.ErrAllocationsNotFound
	}
	return recorded, false, nil
}

// applyLineItemAllocations validates the optional per line item breakdown and
// appends an entry to each line item. It returns the group allocations in
// plan order.
func (s *AllocationService) applyLineItemAllocations(ctx context.Context, tx *gorm.DB, payment *domain.Payment, plan allocation.Plan, requested map[snowflake.ID][]domain.LineItemAllocation, now time.Time) ([]domain.GroupAllocation, error) {
	shares := make([]domain.GroupAllocation, 0, len(plan.Shares))
	planned := make(map[snowflake.ID]money.Amount, len(plan.Shares))
	for _, share := range plan.Shares {
		planned[share.BillingGroupID] = share.Amount
		shares = append(shares, domain.GroupAllocation{BillingGroupID: share.BillingGroupID, Amount: share.Amount})
	}
	if len(requested) == 0 {
		return shares, nil
	}

	var lineItemIDs []snowflake.ID
	for groupID, items := range requested {
		amount, ok := planned[groupID]
		if !ok {
			return nil, domain.ErrLineItemGroupMismatch
		}
		var total money.Amount
		for _, item := range items {
			if !item.Amount.IsPositive() {
				return nil, domain.ValidationError("Line item allocation amount must be positive")
			}
			total = total.Add(item.Amount)
			lineItemIDs = append(lineItemIDs, item.LineItemID)
		}
		if total > amount {
			return nil, domain.ErrLineItemOverAllocated
		}
	}

	lineItems, err := s.repo.ListLineItemsForUpdate(ctx, tx, lineItemIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]domain.LineItem, len(lineItems))
	for _, item := range lineItems {
		byID[item.ID] = item
	}

	for i := range shares {
		items := requested[shares[i].BillingGroupID]
		for _, item := range items {
			lineItem, ok := byID[item.LineItemID]
			if !ok || lineItem.OrgID != payment.OrgID {
				return nil, domain.ErrLineItemNotFound
			}
			metadata := appendLineItemAllocation(lineItem.Metadata, domain.LineItemAllocationEntry{
				PaymentID: payment.ID,
				Amount:    item.Amount,
				Date:      now,
			})
			if err := s.repo.UpdateLineItemMetadata(ctx, tx, lineItem.ID, metadata, now); err != nil {
				return nil, err
			}
			lineItem.Metadata = metadata
			byID[lineItem.ID] = lineItem
		}
		shares[i].LineItemAllocations = items
	}
	return shares, nil
}

// checkTenant rejects access when the caller is scoped to another
// organization. Calls without an organization in ctx come from trusted
// internal paths such as webhooks.
func (s *AllocationService) checkTenant(ctx context.Context, orgID snowflake.ID) error {
	if callerOrg, ok := orgcontext.OrgIDFromContext(ctx); ok && callerOrg != orgID {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func validateGroupIDs(ids []snowflake.ID) error {
	if len(ids) == 0 {
		return domain.ErrEmptyBillingGroups
	}
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return domain.ErrDuplicateBillingGroup
		}
		seen[id] = struct{}{}
	}
	return nil
}

// orderTargets returns the resolved groups in the order the caller named
// them. Unknown ids are skipped.
func orderTargets(ids []snowflake.ID, groups []domain.BillingGroup) []allocation.Target {
	byID := make(map[snowflake.ID]domain.BillingGroup, len(groups))
	for _, group := range groups {
		byID[group.ID] = group
	}
	targets := make([]allocation.Target, 0, len(groups))
	for _, id := range ids {
		group, ok := byID[id]
		if !ok {
			continue
		}
		targets = append(targets, allocation.Target{BillingGroupID: group.ID, Balance: group.CurrentBalance})
	}
	return targets
}
