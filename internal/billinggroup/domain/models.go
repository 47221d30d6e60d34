// Package domain contains persistence models and contracts for billing
// groups, payments and the allocations that connect them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/pkg/money"
	"gorm.io/datatypes"
)

// Metadata keys written on payments and line items.
const (
	MetadataBillingGroupAllocations = "billingGroupAllocations"
	MetadataAllocationMethod        = "allocationMethod"
	MetadataAllocatedAt             = "allocatedAt"
	MetadataUnallocatedAmount       = "unallocatedAmount"
	MetadataReversed                = "reversed"
	MetadataReversedAt              = "reversedAt"
	MetadataLineItemAllocations     = "allocations"
	MetadataBillingGroupIDs         = "billingGroupIds"
)

type TabStatus string

const (
	TabStatusOpen   TabStatus = "open"
	TabStatusClosed TabStatus = "closed"
	TabStatusVoid   TabStatus = "void"
)

// Tab is a running bill owned by an organization.
type Tab struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID     snowflake.ID `json:"organizationId" gorm:"not null;index"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	Status    TabStatus    `json:"status" gorm:"type:text;not null;default:'open'"`
	Currency  string       `json:"currency" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time    `json:"updatedAt" gorm:"not null"`
}

func (Tab) TableName() string { return "tabs" }

type GroupType string

const (
	GroupTypeDefault   GroupType = "default"
	GroupTypeStandard  GroupType = "standard"
	GroupTypeCorporate GroupType = "corporate"
	GroupTypeDeposit   GroupType = "deposit"
	GroupTypeCredit    GroupType = "credit"
)

type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusInactive  GroupStatus = "inactive"
	GroupStatusSuspended GroupStatus = "suspended"
)

// BillingGroup is a sub-ledger of a tab or an invoice. CurrentBalance is only
// written inside allocation, reversal and recalculation transactions.
type BillingGroup struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID      `json:"organizationId" gorm:"not null;index"`
	TabID          *snowflake.ID     `json:"tabId,omitempty" gorm:"index"`
	InvoiceID      *snowflake.ID     `json:"invoiceId,omitempty" gorm:"index"`
	Name           string            `json:"name" gorm:"type:text;not null"`
	GroupType      GroupType         `json:"groupType" gorm:"type:text;not null;default:'standard'"`
	Status         GroupStatus       `json:"status" gorm:"type:text;not null;default:'active'"`
	CurrentBalance money.Amount      `json:"currentBalance" gorm:"not null;default:0"`
	CreditLimit    *money.Amount     `json:"creditLimit,omitempty"`
	DepositAmount  money.Amount      `json:"depositAmount" gorm:"not null;default:0"`
	DepositApplied money.Amount      `json:"depositApplied" gorm:"not null;default:0"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"createdAt" gorm:"not null"`
	UpdatedAt      time.Time         `json:"updatedAt" gorm:"not null"`
}

func (BillingGroup) TableName() string { return "billing_groups" }

// LineItem is a billable unit on a tab. Metadata["allocations"] is an
// append-only list of {paymentId, amount, date}.
type LineItem struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID      `json:"organizationId" gorm:"not null;index"`
	TabID          snowflake.ID      `json:"tabId" gorm:"not null;index"`
	BillingGroupID *snowflake.ID     `json:"billingGroupId,omitempty" gorm:"index"`
	Description    string            `json:"description" gorm:"type:text"`
	Quantity       int64             `json:"quantity" gorm:"not null"`
	UnitPrice      money.Amount      `json:"unitPrice" gorm:"not null"`
	Total          money.Amount      `json:"total" gorm:"not null"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"createdAt" gorm:"not null"`
	UpdatedAt      time.Time         `json:"updatedAt" gorm:"not null"`
}

func (LineItem) TableName() string { return "line_items" }

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Payment is a single inbound fund movement. Amount is immutable once the
// payment has succeeded.
type Payment struct {
	ID                 snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID              snowflake.ID      `json:"organizationId" gorm:"not null;index"`
	TabID              snowflake.ID      `json:"tabId" gorm:"not null;index"`
	BillingGroupID     *snowflake.ID     `json:"billingGroupId,omitempty" gorm:"index"`
	Amount             money.Amount      `json:"amount" gorm:"not null"`
	Currency           string            `json:"currency" gorm:"type:text;not null"`
	Status             PaymentStatus     `json:"status" gorm:"type:text;not null;default:'pending'"`
	Processor          string            `json:"processor" gorm:"type:text"`
	ProcessorPaymentID string            `json:"processorPaymentId" gorm:"type:text;index"`
	Metadata           datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time         `json:"createdAt" gorm:"not null"`
	UpdatedAt          time.Time         `json:"updatedAt" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusViewed        InvoiceStatus = "viewed"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// IsAuditLocked reports whether the invoice must be preserved together with
// everything that feeds it.
func (s InvoiceStatus) IsAuditLocked() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusUncollectible:
		return true
	default:
		return false
	}
}

// Invoice is generated from a tab or a billing group.
type Invoice struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID       snowflake.ID  `json:"organizationId" gorm:"not null;index"`
	TabID       *snowflake.ID `json:"tabId,omitempty" gorm:"index"`
	Status      InvoiceStatus `json:"status" gorm:"type:text;not null;default:'draft'"`
	TotalAmount money.Amount  `json:"totalAmount" gorm:"not null;default:0"`
	PaidAmount  money.Amount  `json:"paidAmount" gorm:"not null;default:0"`
	Currency    string        `json:"currency" gorm:"type:text;not null"`
	CreatedAt   time.Time     `json:"createdAt" gorm:"not null"`
	UpdatedAt   time.Time     `json:"updatedAt" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

// InvoiceLineItem is a line on an invoice.
type InvoiceLineItem struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	InvoiceID   snowflake.ID  `json:"invoiceId" gorm:"not null;index"`
	LineItemID  *snowflake.ID `json:"lineItemId,omitempty" gorm:"index"`
	Description string        `json:"description" gorm:"type:text"`
	Amount      money.Amount  `json:"amount" gorm:"not null"`
	CreatedAt   time.Time     `json:"createdAt" gorm:"not null"`
}

func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// PaymentAllocation is the normalized record of one payment share applied to
// one billing group.
type PaymentAllocation struct {
	ID             snowflake.ID     `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID     `json:"organizationId" gorm:"not null;index"`
	PaymentID      snowflake.ID     `json:"paymentId" gorm:"not null;index"`
	BillingGroupID snowflake.ID     `json:"billingGroupId" gorm:"not null;index"`
	Amount         money.Amount     `json:"amount" gorm:"not null"`
	Method         AllocationMethod `json:"method" gorm:"type:text;not null"`
	ReversedAt     *time.Time       `json:"reversedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt" gorm:"not null"`
}

func (PaymentAllocation) TableName() string { return "payment_allocations" }
