package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/pkg/money"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LineItemSummary aggregates a set of line items.
type LineItemSummary struct {
	Count int64        `gorm:"column:count"`
	Total money.Amount `gorm:"column:total"`
}

// Repository is stateless; every call runs on the handle it is given so a
// transaction can be threaded through a whole use case. Find* methods return
// nil, nil when the row does not exist.
type Repository interface {
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindPaymentByProcessorIDForUpdate(ctx context.Context, db *gorm.DB, processor, processorPaymentID string) (*Payment, error)
	UpdatePaymentMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error
	TransitionPaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []PaymentStatus, to PaymentStatus, now time.Time) (bool, error)

	FindTab(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tab, error)
	FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	DeleteDraftInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	FindBillingGroup(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingGroup, error)
	FindBillingGroupForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingGroup, error)
	ListBillingGroupsForUpdate(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID, ids []snowflake.ID) ([]BillingGroup, error)
	FindDefaultBillingGroup(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (*BillingGroup, error)
	InsertBillingGroup(ctx context.Context, db *gorm.DB, group *BillingGroup) error
	AdjustBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, delta money.Amount, now time.Time) error
	DeleteBillingGroup(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	ListLineItemsForUpdate(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]LineItem, error)
	UpdateLineItemMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, now time.Time) error
	ReassignLineItems(ctx context.Context, db *gorm.DB, fromGroupID snowflake.ID, toGroupID *snowflake.ID, now time.Time) (int64, error)
	SummarizePaidLineItems(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (LineItemSummary, error)
	SummarizeUnpaidLineItems(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (LineItemSummary, error)

	InsertAllocations(ctx context.Context, db *gorm.DB, allocations []PaymentAllocation) error
	ListActiveAllocations(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentAllocation, error)
	CountAllocations(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)
	MarkAllocationsReversed(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, now time.Time) (int64, error)
	SummarizeSucceededGroupPayments(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (LineItemSummary, error)
}
