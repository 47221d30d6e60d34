package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/pkg/db"
	"github.com/smallbiznis/railtab/pkg/money"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func forUpdate(conn *gorm.DB) *gorm.DB {
	if db.SupportsRowLocks(conn) {
		return conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return conn
}

func (r *repo) FindPayment(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return findByID[domain.Payment](conn.WithContext(ctx), id)
}

func (r *repo) FindPaymentForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return findByID[domain.Payment](forUpdate(conn.WithContext(ctx)), id)
}

func (r *repo) FindPaymentByProcessorIDForUpdate(ctx context.Context, conn *gorm.DB, processor, processorPaymentID string) (*domain.Payment, error) {
	stmt := forUpdate(conn.WithContext(ctx)).
		Where("processor = ? AND processor_payment_id = ?", processor, processorPaymentID)
	return findOne[domain.Payment](stmt)
}

func (r *repo) UpdatePaymentMetadata(ctx context.Context, conn *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error {
	return conn.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ?", id).
		Updates(map[string]any{"metadata": metadata, "updated_at": now}).Error
}

func (r *repo) TransitionPaymentStatus(ctx context.Context, conn *gorm.DB, id snowflake.ID, from []domain.PaymentStatus, to domain.PaymentStatus, now time.Time) (bool, error) {
	res := conn.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTab(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Tab, error) {
	return findByID[domain.Tab](conn.WithContext(ctx), id)
}

func (r *repo) FindInvoice(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	return findByID[domain.Invoice](conn.WithContext(ctx), id)
}

// DeleteDraftInvoice removes the invoice lines and then the invoice, only if
// the invoice is still a draft.
func (r *repo) DeleteDraftInvoice(ctx context.Context, conn *gorm.DB, id snowflake.ID) (bool, error) {
	invoice, err := findByID[domain.Invoice](forUpdate(conn.WithContext(ctx)), id)
	if err != nil || invoice == nil {
		return false, err
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		return false, nil
	}

	if err := conn.WithContext(ctx).
		Where("invoice_id = ?", id).
		Delete(&domain.InvoiceLineItem{}).Error; err != nil {
		return false, err
	}
	res := conn.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.InvoiceStatusDraft).
		Delete(&domain.Invoice{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBillingGroup(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.BillingGroup, error) {
	return findByID[domain.BillingGroup](conn.WithContext(ctx), id)
}

func (r *repo) FindBillingGroupForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.BillingGroup, error) {
	return findByID[domain.BillingGroup](forUpdate(conn.WithContext(ctx)), id)
}

// ListBillingGroupsForUpdate returns the groups among ids that belong to tabID
// of orgID, either directly or through an invoice of that tab. Rows are locked
// in ascending id order so concurrent callers lock in the same order.
func (r *repo) ListBillingGroupsForUpdate(ctx context.Context, conn *gorm.DB, orgID, tabID snowflake.ID, ids []snowflake.ID) ([]domain.BillingGroup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var groups []domain.BillingGroup
	err := forUpdate(conn.WithContext(ctx)).
		Where("org_id = ? AND id IN ?", orgID, ids).
		Where("tab_id = ? OR (tab_id IS NULL AND invoice_id IN (?))", tabID,
			conn.Model(&domain.Invoice{}).Select("id").Where("tab_id = ?", tabID)).
		Order("id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *repo) FindDefaultBillingGroup(ctx context.Context, conn *gorm.DB, tabID snowflake.ID) (*domain.BillingGroup, error) {
	stmt := conn.WithContext(ctx).
		Where("tab_id = ? AND group_type = ?", tabID, domain.GroupTypeDefault).
		Order("created_at ASC, id ASC")
	return findOne[domain.BillingGroup](stmt)
}

func (r *repo) InsertBillingGroup(ctx context.Context, conn *gorm.DB, group *domain.BillingGroup) error {
	if group == nil {
		return nil
	}
	return conn.WithContext(ctx).Create(group).Error
}

// AdjustBalance adds delta to the stored balance in a single statement.
func (r *repo) AdjustBalance(ctx context.Context, conn *gorm.DB, id snowflake.ID, delta money.Amount, now time.Time) error {
	res := conn.WithContext(ctx).Model(&domain.BillingGroup{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"current_balance": gorm.Expr("current_balance + ?", delta.Cents()),
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repo) DeleteBillingGroup(ctx context.Context, conn *gorm.DB, id snowflake.ID) (bool, error) {
	res := conn.WithContext(ctx).Where("id = ?", id).Delete(&domain.BillingGroup{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListLineItemsForUpdate(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]domain.LineItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.LineItem
	err := forUpdate(conn.WithContext(ctx)).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateLineItemMetadata(ctx context.Context, conn *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error {
	return conn.WithContext(ctx).Model(&domain.LineItem{}).
		Where("id = ?", id).
		Updates(map[string]any{"metadata": metadata, "updated_at": now}).Error
}

// ReassignLineItems repoints every line item of fromGroupID. A nil target
// leaves them unassigned.
func (r *repo) ReassignLineItems(ctx context.Context, conn *gorm.DB, fromGroupID snowflake.ID, toGroupID *snowflake.ID, now time.Time) (int64, error) {
	var target any
	if toGroupID != nil {
		target = *toGroupID
	}
	res := conn.WithContext(ctx).Model(&domain.LineItem{}).
		Where("billing_group_id = ?", fromGroupID).
		Updates(map[string]any{"billing_group_id": target, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// SummarizePaidLineItems covers line items of the group whose tab has at
// least one succeeded payment.
func (r *repo) SummarizePaidLineItems(ctx context.Context, conn *gorm.DB, groupID snowflake.ID) (domain.LineItemSummary, error) {
	var summary domain.LineItemSummary
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(li.total), 0) AS total
		 FROM line_items li
		 WHERE li.billing_group_id = ?
		   AND EXISTS (
			SELECT 1 FROM payments p
			WHERE p.tab_id = li.tab_id AND p.status = ?
		   )`,
		groupID,
		domain.PaymentStatusSucceeded,
	).Scan(&summary).Error
	return summary, err
}

func (r *repo) SummarizeUnpaidLineItems(ctx context.Context, conn *gorm.DB, groupID snowflake.ID) (domain.LineItemSummary, error) {
	var summary domain.LineItemSummary
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(li.total), 0) AS total
		 FROM line_items li
		 WHERE li.billing_group_id = ?
		   AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.tab_id = li.tab_id AND p.status = ?
		   )`,
		groupID,
		domain.PaymentStatusSucceeded,
	).Scan(&summary).Error
	return summary, err
}

func (r *repo) InsertAllocations(ctx context.Context, conn *gorm.DB, allocations []domain.PaymentAllocation) error {
	if len(allocations) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(&allocations).Error
}

func (r *repo) ListActiveAllocations(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) ([]domain.PaymentAllocation, error) {
	var allocations []domain.PaymentAllocation
	err := conn.WithContext(ctx).
		Where("payment_id = ? AND reversed_at IS NULL", paymentID).
		Order("id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

// CountAllocations counts every allocation row of the payment, reversed or not.
func (r *repo) CountAllocations(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID) (int64, error) {
	var n int64
	err := conn.WithContext(ctx).Model(&domain.PaymentAllocation{}).
		Where("payment_id = ?", paymentID).
		Count(&n).Error
	return n, err
}

// MarkAllocationsReversed stamps every active allocation of the payment and
// reports how many rows it changed. Fewer rows than were listed means another
// reversal won.
func (r *repo) MarkAllocationsReversed(ctx context.Context, conn *gorm.DB, paymentID snowflake.ID, now time.Time) (int64, error) {
	res := conn.WithContext(ctx).Model(&domain.PaymentAllocation{}).
		Where("payment_id = ? AND reversed_at IS NULL", paymentID).
		Update("reversed_at", now)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// SummarizeSucceededGroupPayments counts succeeded payments tied to the group,
// either directly or through an active allocation.
func (r *repo) SummarizeSucceededGroupPayments(ctx context.Context, conn *gorm.DB, groupID snowflake.ID) (domain.LineItemSummary, error) {
	var summary domain.LineItemSummary
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, COALESCE(SUM(p.amount), 0) AS total
		 FROM payments p
		 WHERE p.status = ?
		   AND (
			p.billing_group_id = ?
			OR EXISTS (
				SELECT 1 FROM payment_allocations pa
				WHERE pa.payment_id = p.id
				  AND pa.billing_group_id = ?
				  AND pa.reversed_at IS NULL
			)
		   )`,
		domain.PaymentStatusSucceeded,
		groupID,
		groupID,
	).Scan(&summary).Error
	return summary, err
}

func findByID[T any](stmt *gorm.DB, id snowflake.ID) (*T, error) {
	return findOne[T](stmt.Where("id = ?", id))
}

func findOne[T any](stmt *gorm.DB) (*T, error) {
	var item T
	err := stmt.Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
