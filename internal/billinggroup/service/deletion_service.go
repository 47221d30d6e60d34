package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	obslogger "github.com/smallbiznis/railtab/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"github.com/smallbiznis/railtab/pkg/db"
	"github.com/smallbiznis/railtab/pkg/rls"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DeletionService struct {
	core
}

func NewDeletionService(p Params) domain.DeletionService {
	return &DeletionService{core: newCore(p, "billinggroup.deletion")}
}

func (s *DeletionService) ValidateDeletion(ctx context.Context, billingGroupID, orgID snowflake.ID) (validation *domain.DeletionValidation, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, obsmetrics.OperationValidate,
		attribute.String("billing_group_id", billingGroupID.String()),
		attribute.String("organization_id", orgID.String()),
	)
	outcome := ""
	defer func() { s.finish(span, obsmetrics.OperationValidate, "", outcome, started, err) }()

	conn := s.db.WithContext(ctx)
	group, err := s.repo.FindBillingGroup(ctx, conn, billingGroupID)
	if err != nil {
		return nil, domain.WrapDatabase("load billing group", err)
	}
	if group == nil {
		return nil, domain.ErrBillingGroupNotFound
	}
	if err := s.authorize(ctx, conn, group, orgID); err != nil {
		return nil, err
	}

	validation, err = s.evaluate(ctx, conn, group)
	if err != nil {
		err = domain.WrapDatabase("validate billing group deletion", err)
		s.logFailure("validate deletion failed", err, obslogger.BillingGroupID(billingGroupID))
		return nil, err
	}
	if !validation.CanDelete {
		outcome = obsmetrics.OutcomeBlocked
		for _, blocker := range validation.Blockers {
			s.metrics.AddBlocker(string(blocker.Type))
		}
	}
	return validation, nil
}

func (s *DeletionService) DeleteBillingGroup(ctx context.Context, req domain.DeleteRequest) (result *domain.DeleteResult, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, obsmetrics.OperationDelete,
		attribute.String("billing_group_id", req.BillingGroupID.String()),
		attribute.String("organization_id", req.OrgID.String()),
		attribute.Bool("skip_validation", req.SkipValidation),
	)
	outcome := ""
	defer func() { s.finish(span, obsmetrics.OperationDelete, "", outcome, started, err) }()

	var (
		validation *domain.DeletionValidation
		summary    domain.BillingGroupSummary
		movedTo    *snowflake.ID
		moved      int64
		draftGone  bool
		created    *domain.BillingGroup
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := s.repo.FindBillingGroupForUpdate(ctx, tx, req.BillingGroupID)
		if err != nil {
			return err
		}
		if group == nil {
			return domain.ErrBillingGroupGone
		}
		if err := s.authorize(ctx, tx, group, req.OrgID); err != nil {
			return err
		}
		// The tenant scope follows the ownership check; under the policy a
		// foreign group would be invisible.
		if err := rls.WithTenant(tx, req.OrgID); err != nil {
			return err
		}
		summary = domain.SummarizeBillingGroup(*group)

		validation, err = s.evaluate(ctx, tx, group)
		if err != nil {
			return err
		}
		if !validation.CanDelete && !req.SkipValidation {
			return &domain.DeletionBlockedError{Validation: validation}
		}

		now := s.now()
		movedTo, created, err = s.resolveMoveTarget(ctx, tx, group, req.MoveLineItemsToGroupID, now)
		if err != nil {
			return err
		}
		moved, err = s.repo.ReassignLineItems(ctx, tx, group.ID, movedTo, now)
		if err != nil {
			return err
		}

		if group.InvoiceID != nil {
			draftGone, err = s.repo.DeleteDraftInvoice(ctx, tx, *group.InvoiceID)
			if err != nil {
				return err
			}
		}

		deleted, err := s.repo.DeleteBillingGroup(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrBillingGroupGone
		}
		return nil
	})
	if err != nil {
		var blocked *domain.DeletionBlockedError
		if errors.As(err, &blocked) {
			outcome = obsmetrics.OutcomeBlocked
			for _, blocker := range blocked.Validation.Blockers {
				s.metrics.AddBlocker(string(blocker.Type))
			}
			s.log.Info("billing group deletion blocked",
				obslogger.BillingGroupID(req.BillingGroupID),
				zap.Int("blockers", len(blocked.Validation.Blockers)),
			)
			return nil, err
		}
		err = domain.WrapDatabase("delete billing group", err)
		s.logFailure("delete billing group failed", err,
			obslogger.BillingGroupID(req.BillingGroupID),
			zap.String("organization_id", req.OrgID.String()),
		)
		return nil, err
	}

	forced := req.SkipValidation && !validation.CanDelete
	if forced {
		outcome = obsmetrics.OutcomeForced
		s.log.Warn("billing group deleted with blockers",
			obslogger.BillingGroupID(req.BillingGroupID),
			zap.String("user_id", req.UserID),
			zap.Int("blockers", len(validation.Blockers)),
		)
	}
	s.metrics.AddMovedLineItems(moved)
	if created != nil {
		s.auditDefaultCreated(ctx, created)
	}

	metadata := map[string]any{
		"name":                  summary.Name,
		"group_type":            string(summary.GroupType),
		"skip_validation":       req.SkipValidation,
		"forced":                forced,
		"moved_line_items":      moved,
		"deleted_draft_invoice": draftGone,
		"warnings":              validation.Warnings,
	}
	if movedTo != nil {
		metadata["line_items_moved_to"] = movedTo.String()
	}
	if forced {
		metadata["blockers"] = validation.Blockers
	}
	s.audit(ctx, req.OrgID, auditdomain.ActorTypeUser, req.UserID, auditdomain.ActionBillingGroupDeleted, auditdomain.TargetTypeBillingGroup, req.BillingGroupID, metadata)

	s.log.Info("billing group deleted",
		obslogger.BillingGroupID(req.BillingGroupID),
		zap.String("organization_id", req.OrgID.String()),
		zap.Int64("moved_line_items", moved),
		zap.Bool("deleted_draft_invoice", draftGone),
	)

	return &domain.DeleteResult{
		BillingGroup:        summary,
		Warnings:            validation.Warnings,
		MovedLineItems:      moved,
		LineItemsMovedTo:    movedTo,
		DeletedDraftInvoice: draftGone,
		Forced:              forced,
	}, nil
}

func (s *DeletionService) GetOrCreateDefaultBillingGroup(ctx context.Context, tabID, orgID snowflake.ID) (group *domain.BillingGroup, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, obsmetrics.OperationDefault,
		attribute.String("tab_id", tabID.String()),
		attribute.String("organization_id", orgID.String()),
	)
	defer func() { s.finish(span, obsmetrics.OperationDefault, "", "", started, err) }()

	var created *domain.BillingGroup
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tab, err := s.repo.FindTab(ctx, tx, tabID)
		if err != nil {
			return err
		}
		if tab == nil {
			return domain.ErrTabNotFound
		}
		if tab.OrgID != orgID {
			return domain.ErrOrganizationMismatch
		}
		if err := rls.WithTenant(tx, orgID); err != nil {
			return err
		}
		group, created, err = s.defaultGroup(ctx, tx, tab, s.now())
		return err
	})
	if err != nil {
		err = domain.WrapDatabase("get default billing group", err)
		s.logFailure("get default billing group failed", err, obslogger.TabID(tabID))
		return nil, err
	}
	if created != nil {
		s.auditDefaultCreated(ctx, created)
	}
	return group, nil
}

// authorize checks that group belongs to orgID. Tab groups are owned by their
// tab's organization, others by the group's own organization.
func (s *DeletionService) authorize(ctx context.Context, conn *gorm.DB, group *domain.BillingGroup, orgID snowflake.ID) error {
	owner := group.OrgID
	if group.TabID != nil {
		tab, err := s.repo.FindTab(ctx, conn, *group.TabID)
		if err != nil {
			return domain.WrapDatabase("load tab", err)
		}
		if tab != nil {
			owner = tab.OrgID
		}
	}
	if owner != orgID {
		return domain.ErrOrganizationMismatch
	}
	return nil
}

// evaluate collects blockers and warnings for group. It only reads.
func (s *DeletionService) evaluate(ctx context.Context, conn *gorm.DB, group *domain.BillingGroup) (*domain.DeletionValidation, error) {
	validation := &domain.DeletionValidation{
		Blockers:     []domain.Blocker{},
		Warnings:     []string{},
		BillingGroup: domain.SummarizeBillingGroup(*group),
	}

	if group.InvoiceID != nil {
		invoice, err := s.repo.FindInvoice(ctx, conn, *group.InvoiceID)
		if err != nil {
			return nil, err
		}
		if invoice != nil {
			switch {
			case invoice.PaidAmount.IsPositive() || invoice.Status.IsAuditLocked():
				validation.Blockers = append(validation.Blockers, domain.Blocker{
					Type:    domain.BlockerInvoice,
					Count:   1,
					Amount:  invoice.PaidAmount,
					Message: fmt.Sprintf("Invoice is %s with %s paid and must be preserved for audit", invoice.Status, invoice.PaidAmount.Display()),
				})
			case invoice.Status == domain.InvoiceStatusDraft:
				if invoice.TotalAmount.IsPositive() {
					validation.Warnings = append(validation.Warnings,
						fmt.Sprintf("Draft invoice (%s) will be deleted", invoice.TotalAmount.Display()))
				}
			default:
				validation.Warnings = append(validation.Warnings,
					fmt.Sprintf("Invoice in status %s will no longer be linked to a billing group", invoice.Status))
			}
		}
	}

	payments, err := s.repo.SummarizeSucceededGroupPayments(ctx, conn, group.ID)
	if err != nil {
		return nil, err
	}
	if payments.Count > 0 {
		validation.Blockers = append(validation.Blockers, domain.Blocker{
			Type:    domain.BlockerPayment,
			Count:   payments.Count,
			Amount:  payments.Total,
			Message: fmt.Sprintf("%s totaling %s attributed to this billing group", plural(payments.Count, "successful payment"), payments.Total.Display()),
		})
	}

	paid, err := s.repo.SummarizePaidLineItems(ctx, conn, group.ID)
	if err != nil {
		return nil, err
	}
	if paid.Count > 0 {
		validation.Blockers = append(validation.Blockers, domain.Blocker{
			Type:    domain.BlockerLineItems,
			Count:   paid.Count,
			Amount:  paid.Total,
			Message: fmt.Sprintf("%s totaling %s on a tab with successful payments", plural(paid.Count, "paid line item"), paid.Total.Display()),
		})
	}

	unpaid, err := s.repo.SummarizeUnpaidLineItems(ctx, conn, group.ID)
	if err != nil {
		return nil, err
	}
	if unpaid.Count > 0 {
		destination := "moved to the default billing group"
		if group.TabID == nil || group.GroupType == domain.GroupTypeDefault {
			destination = "left without a billing group"
		}
		validation.Warnings = append(validation.Warnings,
			fmt.Sprintf("%s (%s) will be %s", plural(unpaid.Count, "unpaid line item"), unpaid.Total.Display(), destination))
	}

	validation.CanDelete = len(validation.Blockers) == 0
	return validation, nil
}

// resolveMoveTarget picks where the deleted group's line items go. An explicit
// target must be another group of the same tab; otherwise tab groups fall
// back to the tab's default group, created on demand.
func (s *DeletionService) resolveMoveTarget(ctx context.Context, tx *gorm.DB, group *domain.BillingGroup, requested *snowflake.ID, now time.Time) (*snowflake.ID, *domain.BillingGroup, error) {
	if requested != nil {
		if *requested == group.ID {
			return nil, nil, domain.ErrInvalidTargetGroup
		}
		target, err := s.repo.FindBillingGroupForUpdate(ctx, tx, *requested)
		if err != nil {
			return nil, nil, err
		}
		if target == nil || target.OrgID != group.OrgID || !sameTab(group.TabID, target.TabID) {
			return nil, nil, domain.ErrTargetGroupNotFound
		}
		id := target.ID
		return &id, nil, nil
	}

	if group.TabID == nil || group.GroupType == domain.GroupTypeDefault {
		return nil, nil, nil
	}
	tab, err := s.repo.FindTab(ctx, tx, *group.TabID)
	if err != nil {
		return nil, nil, err
	}
	if tab == nil {
		return nil, nil, nil
	}
	fallback, created, err := s.defaultGroup(ctx, tx, tab, now)
	if err != nil {
		return nil, nil, err
	}
	if fallback.ID == group.ID {
		return nil, nil, nil
	}
	id := fallback.ID
	return &id, created, nil
}

// defaultGroup returns the tab's default group, inserting it when missing. A
// concurrent insert loses on the unique index and re-reads the winner.
func (s *DeletionService) defaultGroup(ctx context.Context, tx *gorm.DB, tab *domain.Tab, now time.Time) (*domain.BillingGroup, *domain.BillingGroup, error) {
	existing, err := s.repo.FindDefaultBillingGroup(ctx, tx, tab.ID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return existing, nil, nil
	}

	name := s.config.Get().DefaultGroupName
	if name == "" {
		name = "Default"
	}
	tabID := tab.ID
	group := &domain.BillingGroup{
		ID:        s.genID.Generate(),
		OrgID:     tab.OrgID,
		TabID:     &tabID,
		Name:      name,
		GroupType: domain.GroupTypeDefault,
		Status:    domain.GroupStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = tx.Transaction(func(inner *gorm.DB) error {
		return s.repo.InsertBillingGroup(ctx, inner, group)
	})
	if err == nil {
		return group, group, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, nil, err
	}
	existing, err = s.repo.FindDefaultBillingGroup(ctx, tx, tab.ID)
	if err != nil {
		return nil, nil, err
	}
	if existing == nil {
		return nil, nil, domain.WrapDatabase("create default billing group", gorm.ErrRecordNotFound)
	}
	return existing, nil, nil
}

func (s *DeletionService) auditDefaultCreated(ctx context.Context, group *domain.BillingGroup) {
	s.log.Info("default billing group created",
		obslogger.BillingGroupID(group.ID),
		obslogger.TabID(*group.TabID),
	)
	s.audit(ctx, group.OrgID, auditdomain.ActorTypeSystem, "", auditdomain.ActionBillingGroupDefaultCreated, auditdomain.TargetTypeBillingGroup, group.ID, map[string]any{
		"tab_id": group.TabID.String(),
		"name":   group.Name,
	})
}

func sameTab(a, b *snowflake.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func plural(count int64, noun string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", count, noun)
}
