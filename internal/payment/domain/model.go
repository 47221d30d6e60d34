package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/pkg/money"
	"gorm.io/datatypes"
)

// EventRecord deduplicates processor webhook deliveries. A row without
// ProcessedAt was received but its side effects did not finish, so a
// redelivery is processed again.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID           *snowflake.ID  `json:"org_id" gorm:"index"`
	PaymentID       *snowflake.ID  `json:"payment_id" gorm:"index"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypeRefunded         = "refunded"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	// ProviderObject is the processor object the event describes, e.g.
	// checkout_session, payment_intent or charge.
	ProviderObject string
	Type           string
	// PaymentID is read from the processor metadata when the checkout was
	// created with it.
	PaymentID      *snowflake.ID
	Amount         money.Amount
	AmountRefunded money.Amount
	Currency       string
	// PartialRefund is set on refunded events that leave part of the
	// payment captured.
	PartialRefund bool
	Metadata      map[string]any
	OccurredAt    time.Time
	RawPayload    []byte
}
