package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/pkg/money"
	"gorm.io/datatypes"
)

// cloneMetadata returns a shallow copy so the loaded row stays untouched.
func cloneMetadata(src datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range src {
		out[key] = value
	}
	return out
}

// encodeAllocations renders allocations for the payment metadata mirror.
// Ids and amounts are strings so JSON clients never lose precision.
func encodeAllocations(allocations []domain.GroupAllocation) []any {
	out := make([]any, 0, len(allocations))
	for _, allocation := range allocations {
		entry := map[string]any{
			"billingGroupId": allocation.BillingGroupID.String(),
			"amount":         allocation.Amount.String(),
		}
		if len(allocation.LineItemAllocations) > 0 {
			items := make([]any, 0, len(allocation.LineItemAllocations))
			for _, item := range allocation.LineItemAllocations {
				items = append(items, map[string]any{
					"lineItemId": item.LineItemID.String(),
					"amount":     item.Amount.String(),
				})
			}
			entry["lineItemAllocations"] = items
		}
		out = append(out, entry)
	}
	return out
}

// decodeAllocations reads the metadata mirror back. It accepts string and
// numeric encodings of ids and amounts.
func decodeAllocations(metadata datatypes.JSONMap) ([]domain.GroupAllocation, error) {
	raw, ok := metadata[domain.MetadataBillingGroupAllocations]
	if !ok || raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("billing group allocations: unexpected %T", raw)
	}
	out := make([]domain.GroupAllocation, 0, len(entries))
	for _, item := range entries {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("billing group allocation: unexpected %T", item)
		}
		groupID, err := parseID(entry["billingGroupId"])
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(entry["amount"])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.GroupAllocation{BillingGroupID: groupID, Amount: amount})
	}
	return out, nil
}

func isReversed(metadata datatypes.JSONMap) bool {
	reversed, _ := metadata[domain.MetadataReversed].(bool)
	return reversed
}

func appendLineItemAllocation(metadata datatypes.JSONMap, entry domain.LineItemAllocationEntry) datatypes.JSONMap {
	out := cloneMetadata(metadata)
	var existing []any
	if current, ok := out[domain.MetadataLineItemAllocations].([]any); ok {
		existing = append(existing, current...)
	}
	existing = append(existing, map[string]any{
		"paymentId": entry.PaymentID.String(),
		"amount":    entry.Amount.String(),
		"date":      entry.Date.UTC().Format(time.RFC3339),
	})
	out[domain.MetadataLineItemAllocations] = existing
	return out
}

func parseID(value any) (snowflake.ID, error) {
	switch v := value.(type) {
	case string:
		id, err := snowflake.ParseString(strings.TrimSpace(v))
		if err != nil || id <= 0 {
			return 0, domain.ValidationError(fmt.Sprintf("Invalid billing group id %q", v))
		}
		return id, nil
	case float64:
		if v <= 0 {
			return 0, domain.ValidationError("Invalid billing group id")
		}
		return snowflake.ID(int64(v)), nil
	case int64:
		return snowflake.ID(v), nil
	default:
		return 0, domain.ValidationError("Invalid billing group id")
	}
}

func parseAmount(value any) (money.Amount, error) {
	switch v := value.(type) {
	case string:
		return money.Parse(v)
	case float64:
		return money.FromDecimal(decimal.NewFromFloat(v).Round(2))
	default:
		return 0, money.ErrInvalidAmount
	}
}

// parseGroupIDs reads checkout metadata billingGroupIds, given either as a
// comma separated string or a list.
func parseGroupIDs(raw any) ([]snowflake.ID, error) {
	var values []any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) != "" {
				values = append(values, part)
			}
		}
	case []any:
		values = v
	case []string:
		for _, part := range v {
			values = append(values, part)
		}
	default:
		return nil, domain.ValidationError("Invalid billingGroupIds metadata")
	}
	ids := make([]snowflake.ID, 0, len(values))
	for _, value := range values {
		id, err := parseID(value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
