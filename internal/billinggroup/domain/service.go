package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/pkg/money"
)

// AllocationMethod selects how a payment is split across billing groups.
type AllocationMethod string

const (
	AllocationProportional AllocationMethod = "proportional"
	AllocationFIFO         AllocationMethod = "fifo"
	AllocationEqual        AllocationMethod = "equal"
)

// AllocationMethods lists every supported method.
var AllocationMethods = []AllocationMethod{
	AllocationProportional,
	AllocationFIFO,
	AllocationEqual,
}

// ParseAllocationMethod normalizes a method name. An empty value returns
// fallback.
func ParseAllocationMethod(raw string, fallback AllocationMethod) (AllocationMethod, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		value = string(fallback)
	}
	for _, method := range AllocationMethods {
		if string(method) == value {
			return method, nil
		}
	}
	return "", ErrInvalidMethod
}

// LineItemAllocation is the share of a group allocation attributed to one
// line item.
type LineItemAllocation struct {
	LineItemID snowflake.ID `json:"lineItemId"`
	Amount     money.Amount `json:"amount"`
}

// GroupAllocation is the share of a payment applied to one billing group.
type GroupAllocation struct {
	BillingGroupID      snowflake.ID         `json:"billingGroupId"`
	Amount              money.Amount         `json:"amount"`
	LineItemAllocations []LineItemAllocation `json:"lineItemAllocations,omitempty"`
}

// LineItemAllocationEntry is appended to LineItem.Metadata["allocations"].
type LineItemAllocationEntry struct {
	PaymentID snowflake.ID `json:"paymentId"`
	Amount    money.Amount `json:"amount"`
	Date      time.Time    `json:"date"`
}

type AllocateRequest struct {
	PaymentID       snowflake.ID
	BillingGroupIDs []snowflake.ID
	Method          AllocationMethod
	// LineItemAllocations is keyed by billing group id.
	LineItemAllocations map[snowflake.ID][]LineItemAllocation
}

type AllocationResult struct {
	Payment       Payment           `json:"payment"`
	Allocations   []GroupAllocation `json:"allocations"`
	UpdatedGroups []BillingGroup    `json:"updatedGroups"`
	Method        AllocationMethod  `json:"method"`
	Unallocated   money.Amount      `json:"unallocated"`
}

type BlockerType string

const (
	BlockerInvoice   BlockerType = "invoice"
	BlockerPayment   BlockerType = "payment"
	BlockerLineItems BlockerType = "line_items"
)

// Blocker is a typed reason a billing group cannot be deleted.
type Blocker struct {
	Type    BlockerType  `json:"type"`
	Count   int64        `json:"count"`
	Amount  money.Amount `json:"amount"`
	Message string       `json:"message"`
}

// BillingGroupSummary is the redacted view of a group returned with
// deletion verdicts.
type BillingGroupSummary struct {
	ID        snowflake.ID  `json:"id"`
	Name      string        `json:"name"`
	GroupType GroupType     `json:"groupType"`
	Status    GroupStatus   `json:"status"`
	InvoiceID *snowflake.ID `json:"invoiceId,omitempty"`
}

func SummarizeBillingGroup(group BillingGroup) BillingGroupSummary {
	return BillingGroupSummary{
		ID:        group.ID,
		Name:      group.Name,
		GroupType: group.GroupType,
		Status:    group.Status,
		InvoiceID: group.InvoiceID,
	}
}

type DeletionValidation struct {
	CanDelete    bool                `json:"canDelete"`
	Blockers     []Blocker           `json:"blockers"`
	Warnings     []string            `json:"warnings"`
	BillingGroup BillingGroupSummary `json:"billingGroup"`
}

type DeleteRequest struct {
	BillingGroupID snowflake.ID
	OrgID          snowflake.ID
	UserID         string
	SkipValidation bool
	// MoveLineItemsToGroupID overrides the default-group fallback.
	MoveLineItemsToGroupID *snowflake.ID
}

type DeleteResult struct {
	BillingGroup        BillingGroupSummary `json:"billingGroup"`
	Warnings            []string            `json:"warnings"`
	MovedLineItems      int64               `json:"movedLineItems"`
	LineItemsMovedTo    *snowflake.ID       `json:"lineItemsMovedTo,omitempty"`
	DeletedDraftInvoice bool                `json:"deletedDraftInvoice"`
	Forced              bool                `json:"forced"`
}

// AllocationService distributes payments across billing groups.
type AllocationService interface {
	Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error)
	// AllocateFromCheckoutMetadata returns nil when the metadata names no
	// billing groups; the payment then applies to the tab as a whole.
	AllocateFromCheckoutMetadata(ctx context.Context, paymentID snowflake.ID, metadata map[string]any) (*AllocationResult, error)
	ReverseAllocation(ctx context.Context, paymentID snowflake.ID) error
}

// DeletionService guards and executes billing group deletion.
type DeletionService interface {
	ValidateDeletion(ctx context.Context, billingGroupID, orgID snowflake.ID) (*DeletionValidation, error)
	DeleteBillingGroup(ctx context.Context, req DeleteRequest) (*DeleteResult, error)
	GetOrCreateDefaultBillingGroup(ctx context.Context, tabID, orgID snowflake.ID) (*BillingGroup, error)
}
