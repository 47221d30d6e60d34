package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/internal/config"
	"github.com/smallbiznis/railtab/internal/orgcontext"
	"github.com/smallbiznis/railtab/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func allocatedAmounts(result *domain.AllocationResult) map[snowflake.ID]string {
	out := map[snowflake.ID]string{}
	for _, allocation := range result.Allocations {
		out[allocation.BillingGroupID] = allocation.Amount.String()
	}
	return out
}

func TestAllocateProportional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "Alice", "300")
	b := f.seedGroup(tab, "Bob", "100")
	payment := f.seedPayment(tab, "100", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID, b.ID},
		Method:          domain.AllocationProportional,
	})
	require.NoError(t, err)

	assert.Equal(t, map[snowflake.ID]string{a.ID: "75.00", b.ID: "25.00"}, allocatedAmounts(result))
	assert.Equal(t, domain.AllocationProportional, result.Method)
	assert.Equal(t, money.Zero, result.Unallocated)
	assert.Equal(t, payment.ID, result.Payment.ID)
	require.Len(t, result.UpdatedGroups, 2)
	assert.Equal(t, "225.00", result.UpdatedGroups[0].CurrentBalance.String())

	assert.Equal(t, "225.00", f.balance(a.ID))
	assert.Equal(t, "75.00", f.balance(b.ID))
	assert.Equal(t, int64(2), f.count("SELECT COUNT(1) FROM payment_allocations WHERE payment_id = ?", payment.ID))
	assert.Equal(t, int64(1), f.count("SELECT COUNT(1) FROM audit_logs WHERE action = ?", "billing_group.allocated"))

	stored := f.payment(payment.ID)
	assert.Equal(t, "proportional", stored.Metadata[domain.MetadataAllocationMethod])
	entries, ok := stored.Metadata[domain.MetadataBillingGroupAllocations].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, a.ID.String(), first["billingGroupId"])
	assert.Equal(t, "75.00", first["amount"])
}

func TestAllocateFIFOCapsLastGroupByRemainingAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "50")
	b := f.seedGroup(tab, "B", "100")
	payment := f.seedPayment(tab, "120", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID, b.ID},
		Method:          domain.AllocationFIFO,
	})
	require.NoError(t, err)

	assert.Equal(t, map[snowflake.ID]string{a.ID: "50.00", b.ID: "70.00"}, allocatedAmounts(result))
	assert.Equal(t, "0.00", f.balance(a.ID))
	assert.Equal(t, "30.00", f.balance(b.ID))
}

func TestAllocateEqualWithLineItemBreakdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "40")
	b := f.seedGroup(tab, "B", "40")
	c := f.seedGroup(tab, "C", "40")
	item := f.seedLineItem(tab, &a, "20")
	payment := f.seedPayment(tab, "100", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID, b.ID, c.ID},
		Method:          domain.AllocationEqual,
		LineItemAllocations: map[snowflake.ID][]domain.LineItemAllocation{
			a.ID: {{LineItemID: item.ID, Amount: money.MustParse("20")}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[snowflake.ID]string{a.ID: "33.34", b.ID: "33.33", c.ID: "33.33"}, allocatedAmounts(result))
	require.Len(t, result.Allocations[0].LineItemAllocations, 1)

	var stored domain.LineItem
	require.NoError(t, f.db.Where("id = ?", item.ID).Take(&stored).Error)
	entries, ok := stored.Metadata[domain.MetadataLineItemAllocations].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, payment.ID.String(), entry["paymentId"])
	assert.Equal(t, "20.00", entry["amount"])
}

func TestAllocateReportsOverpayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "30")
	payment := f.seedPayment(tab, "50", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, "20.00", result.Unallocated.String())
	assert.Equal(t, "0.00", f.balance(a.ID))
	assert.Equal(t, "20.00", f.payment(payment.ID).Metadata[domain.MetadataUnallocatedAmount])
}

func TestAllocateUsesConfiguredDefaultMethod(t *testing.T) {
	f := newFixtureWithConfig(t, config.AllocationConfig{DefaultMethod: "fifo", DefaultGroupName: "Default"})
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "50")
	b := f.seedGroup(tab, "B", "50")
	payment := f.seedPayment(tab, "60", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID, b.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationFIFO, result.Method)
	assert.Equal(t, map[snowflake.ID]string{a.ID: "50.00", b.ID: "10.00"}, allocatedAmounts(result))
}

func TestAllocateRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "50")
	payment := f.seedPayment(tab, "10", domain.PaymentStatusSucceeded, nil)
	pending := f.seedPayment(tab, "10", domain.PaymentStatusPending, nil)

	cases := []struct {
		name string
		req  domain.AllocateRequest
		want error
	}{
		{
			name: "no groups",
			req:  domain.AllocateRequest{PaymentID: payment.ID},
			want: domain.ErrEmptyBillingGroups,
		},
		{
			name: "duplicate groups",
			req:  domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID, a.ID}},
			want: domain.ErrDuplicateBillingGroup,
		},
		{
			name: "unknown method",
			req:  domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID}, Method: "lifo"},
			want: domain.ErrInvalidMethod,
		},
		{
			name: "missing payment",
			req:  domain.AllocateRequest{PaymentID: f.node.Generate(), BillingGroupIDs: []snowflake.ID{a.ID}},
			want: domain.ErrPaymentNotFound,
		},
		{
			name: "pending payment",
			req:  domain.AllocateRequest{PaymentID: pending.ID, BillingGroupIDs: []snowflake.ID{a.ID}},
			want: domain.ErrPaymentNotSucceeded,
		},
		{
			name: "unknown groups",
			req:  domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{f.node.Generate()}},
			want: domain.ErrNoBillingGroups,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.allocation.Allocate(ctx, tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, "50.00", f.balance(a.ID))
}

func TestAllocateIgnoresGroupsOfOtherOrganizations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	foreignTab := f.seedTab(f.node.Generate())
	foreign := f.seedGroup(foreignTab, "Foreign", "100")
	payment := f.seedPayment(tab, "10", domain.PaymentStatusSucceeded, nil)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{foreign.ID},
	})
	assert.ErrorIs(t, err, domain.ErrNoBillingGroups)
	assert.Equal(t, "100.00", f.balance(foreign.ID))

	scoped := orgcontext.WithOrgID(ctx, foreignTab.OrgID)
	_, err = f.allocation.Allocate(scoped, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{foreign.ID},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAllocateIgnoresGroupsOfOtherTabs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orgID := f.node.Generate()
	tabX := f.seedTab(orgID)
	tabY := f.seedTab(orgID)
	foreign := f.seedGroup(tabY, "Table Y", "80")
	payment := f.seedPayment(tabX, "50", domain.PaymentStatusSucceeded, nil)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{foreign.ID},
	})
	assert.ErrorIs(t, err, domain.ErrNoBillingGroups)
	assert.Equal(t, "80.00", f.balance(foreign.ID))
	assert.Equal(t, int64(0), f.count("SELECT COUNT(1) FROM payment_allocations"))

	own := f.seedGroup(tabX, "Table X", "20")
	invoiced, _ := f.seedInvoiceGroup(tabX, domain.InvoiceStatusSent, "10", "0")
	foreignInvoiced, _ := f.seedInvoiceGroup(tabY, domain.InvoiceStatusSent, "10", "0")
	require.NoError(t, f.db.Model(&domain.BillingGroup{}).
		Where("id IN ?", []snowflake.ID{invoiced.ID, foreignInvoiced.ID}).
		Update("tab_id", nil).Error)

	result, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{foreign.ID, own.ID, foreignInvoiced.ID, invoiced.ID},
		Method:          domain.AllocationFIFO,
	})
	require.NoError(t, err)
	assert.Equal(t, map[snowflake.ID]string{own.ID: "20.00", invoiced.ID: "10.00"}, allocatedAmounts(result))
	assert.Equal(t, "20.00", result.Unallocated.String())
	assert.Equal(t, "80.00", f.balance(foreign.ID))
	assert.Equal(t, "10.00", f.balance(foreignInvoiced.ID))
}

func TestAllocateRejectsUnreadableAllocationMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	payment := f.seedPayment(tab, "40", domain.PaymentStatusSucceeded, nil)
	require.NoError(t, f.db.Model(&domain.Payment{}).Where("id = ?", payment.ID).
		Update("metadata", `{"billingGroupAllocations":"corrupt"}`).Error)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID}})
	assert.ErrorIs(t, err, domain.ErrAlreadyAllocated)
	assert.Equal(t, "100.00", f.balance(a.ID))
	assert.Equal(t, int64(0), f.count("SELECT COUNT(1) FROM payment_allocations"))
}

func TestAllocateTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	payment := f.seedPayment(tab, "40", domain.PaymentStatusSucceeded, nil)
	req := domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID}}

	_, err := f.allocation.Allocate(ctx, req)
	require.NoError(t, err)
	_, err = f.allocation.Allocate(ctx, req)
	assert.ErrorIs(t, err, domain.ErrAlreadyAllocated)
	assert.Equal(t, "60.00", f.balance(a.ID))
}

func TestAllocateLineItemValidationLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	b := f.seedGroup(tab, "B", "100")
	item := f.seedLineItem(tab, &a, "80")
	payment := f.seedPayment(tab, "50", domain.PaymentStatusSucceeded, nil)

	cases := []struct {
		name        string
		allocations map[snowflake.ID][]domain.LineItemAllocation
		want        error
	}{
		{
			name: "exceeds group share",
			allocations: map[snowflake.ID][]domain.LineItemAllocation{
				a.ID: {{LineItemID: item.ID, Amount: money.MustParse("30")}},
			},
			want: domain.ErrLineItemOverAllocated,
		},
		{
			name: "group not allocated",
			allocations: map[snowflake.ID][]domain.LineItemAllocation{
				f.node.Generate(): {{LineItemID: item.ID, Amount: money.MustParse("1")}},
			},
			want: domain.ErrLineItemGroupMismatch,
		},
		{
			name: "unknown line item",
			allocations: map[snowflake.ID][]domain.LineItemAllocation{
				a.ID: {{LineItemID: f.node.Generate(), Amount: money.MustParse("1")}},
			},
			want: domain.ErrLineItemNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
				PaymentID:           payment.ID,
				BillingGroupIDs:     []snowflake.ID{a.ID, b.ID},
				Method:              domain.AllocationEqual,
				LineItemAllocations: tc.allocations,
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, "100.00", f.balance(a.ID))
	assert.Equal(t, "100.00", f.balance(b.ID))
	assert.Equal(t, int64(0), f.count("SELECT COUNT(1) FROM payment_allocations"))
}

func TestAllocateRollsBackOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	payment := f.seedPayment(tab, "40", domain.PaymentStatusSucceeded, nil)
	f.failOn("create", "payment_allocations")

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDatabase)
	assert.True(t, errors.Is(err, errInjected))
	assert.Equal(t, "100.00", f.balance(a.ID))
	assert.Nil(t, f.payment(payment.ID).Metadata[domain.MetadataBillingGroupAllocations])
}

func TestAllocateFromCheckoutMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "50")
	b := f.seedGroup(tab, "B", "100")
	payment := f.seedPayment(tab, "80", domain.PaymentStatusSucceeded, nil)

	result, err := f.allocation.AllocateFromCheckoutMetadata(ctx, payment.ID, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = f.allocation.AllocateFromCheckoutMetadata(ctx, payment.ID, map[string]any{
		domain.MetadataBillingGroupIDs: "not-a-number",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	result, err = f.allocation.AllocateFromCheckoutMetadata(ctx, payment.ID, map[string]any{
		domain.MetadataBillingGroupIDs:  a.ID.String() + "," + b.ID.String(),
		domain.MetadataAllocationMethod: "FIFO",
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.AllocationFIFO, result.Method)
	assert.Equal(t, map[snowflake.ID]string{a.ID: "50.00", b.ID: "30.00"}, allocatedAmounts(result))
}

func TestReverseAllocationRestoresBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "300")
	b := f.seedGroup(tab, "B", "100")
	payment := f.seedPayment(tab, "100", domain.PaymentStatusSucceeded, nil)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{
		PaymentID:       payment.ID,
		BillingGroupIDs: []snowflake.ID{a.ID, b.ID},
	})
	require.NoError(t, err)

	require.NoError(t, f.allocation.ReverseAllocation(ctx, payment.ID))
	assert.Equal(t, "300.00", f.balance(a.ID))
	assert.Equal(t, "100.00", f.balance(b.ID))

	stored := f.payment(payment.ID)
	assert.Equal(t, true, stored.Metadata[domain.MetadataReversed])
	assert.NotEmpty(t, stored.Metadata[domain.MetadataReversedAt])
	assert.Equal(t, int64(0), f.count("SELECT COUNT(1) FROM payment_allocations WHERE reversed_at IS NULL"))
	assert.Equal(t, int64(1), f.count("SELECT COUNT(1) FROM audit_logs WHERE action = ?", "billing_group.allocation_reversed"))

	err = f.allocation.ReverseAllocation(ctx, payment.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Equal(t, "300.00", f.balance(a.ID))
}

func TestReverseAllocationReadsLegacyMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "10")
	payment := f.seedPayment(tab, "15", domain.PaymentStatusSucceeded, nil)
	require.NoError(t, f.db.Model(&domain.Payment{}).Where("id = ?", payment.ID).
		Update("metadata", `{"billingGroupAllocations":[{"billingGroupId":"`+a.ID.String()+`","amount":15}]}`).Error)

	require.NoError(t, f.allocation.ReverseAllocation(ctx, payment.ID))
	assert.Equal(t, "25.00", f.balance(a.ID))
}

func TestReverseAllocationWithoutAllocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	payment := f.seedPayment(tab, "15", domain.PaymentStatusSucceeded, nil)

	assert.ErrorIs(t, f.allocation.ReverseAllocation(ctx, payment.ID), domain.ErrAllocationsNotFound)
	assert.ErrorIs(t, f.allocation.ReverseAllocation(ctx, f.node.Generate()), domain.ErrAllocationsNotFound)
}

func TestReverseAllocationIgnoresStaleMirrorOfReversedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	payment := f.seedPayment(tab, "40", domain.PaymentStatusSucceeded, nil)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID}})
	require.NoError(t, err)
	require.NoError(t, f.db.Exec("UPDATE payment_allocations SET reversed_at = ? WHERE payment_id = ?", f.clock.Now(), payment.ID).Error)

	err = f.allocation.ReverseAllocation(ctx, payment.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Equal(t, "60.00", f.balance(a.ID))
}

func TestReverseAllocationLosesToConcurrentReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tab := f.seedTab(f.node.Generate())
	a := f.seedGroup(tab, "A", "100")
	payment := f.seedPayment(tab, "40", domain.PaymentStatusSucceeded, nil)

	_, err := f.allocation.Allocate(ctx, domain.AllocateRequest{PaymentID: payment.ID, BillingGroupIDs: []snowflake.ID{a.ID}})
	require.NoError(t, err)

	// Another reversal stamps the rows between the read and the update.
	err = f.db.Callback().Update().Before("gorm:update").Register("test:concurrent_reversal", func(tx *gorm.DB) {
		if tx.Statement.Table != "payment_allocations" {
			return
		}
		_ = tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE payment_allocations SET reversed_at = ? WHERE payment_id = ?", f.clock.Now(), payment.ID).Error
	})
	require.NoError(t, err)

	err = f.allocation.ReverseAllocation(ctx, payment.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Equal(t, "60.00", f.balance(a.ID))
	assert.Nil(t, f.payment(payment.ID).Metadata[domain.MetadataReversed])
}
