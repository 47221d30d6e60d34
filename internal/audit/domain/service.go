package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/pkg/db/pagination"
)

// Actions recorded by the billing services. Each action is "<family>.<verb>".
const (
	ActionBillingGroupAllocated         = "billing_group.allocated"
	ActionBillingGroupAllocationReverse = "billing_group.allocation_reversed"
	ActionBillingGroupDeleted           = "billing_group.deleted"
	ActionBillingGroupDefaultCreated    = "billing_group.default_created"
	ActionPaymentStatusChanged          = "payment.status_changed"
	ActionAuthorizationDenied           = "authorization.denied"
	ActionAuthorizationGranted          = "authorization.granted"
)

const (
	TargetTypePayment      = "payment"
	TargetTypeBillingGroup = "billing_group"
)

// Target renders a payment or billing group id as an audit target id.
func Target(id snowflake.ID) *string {
	target := id.String()
	return &target
}

// ActionFamily reports the prefix matched by a family filter such as
// "billing_group.*". Exact actions report false.
func ActionFamily(action string) (string, bool) {
	family, ok := strings.CutSuffix(strings.TrimSpace(action), ".*")
	if !ok || family == "" || strings.ContainsAny(family, ".*") {
		return "", false
	}
	return family + ".", true
}

// ListAuditLogRequest filters the audit trail of the caller's organization.
// Action is either an exact action or a family filter like "payment.*".
type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
