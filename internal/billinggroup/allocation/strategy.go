// Package allocation computes how a payment is split across billing groups.
// It is pure: nothing here touches storage.
package allocation

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/pkg/money"
)

// Target is a billing group that may receive part of a payment. Balance is
// the amount it still owes.
type Target struct {
	BillingGroupID snowflake.ID
	Balance        money.Amount
}

type Share struct {
	BillingGroupID snowflake.ID
	Amount         money.Amount
}

// Plan is the outcome of a split. Shares only lists groups with a positive
// amount, in target order. Unallocated is whatever exceeded the total
// outstanding balance.
type Plan struct {
	Shares      []Share
	Unallocated money.Amount
}

// Allocated returns the sum of all shares.
func (p Plan) Allocated() money.Amount {
	var total money.Amount
	for _, share := range p.Shares {
		total = total.Add(share.Amount)
	}
	return total
}

// Strategy splits amount across targets. Implementations never give a target
// more than its balance, and Allocated()+Unallocated always equals amount.
type Strategy interface {
	Method() domain.AllocationMethod
	Split(amount money.Amount, targets []Target) (Plan, error)
}

var registry = map[domain.AllocationMethod]Strategy{
	domain.AllocationProportional: proportional{},
	domain.AllocationFIFO:         fifo{},
	domain.AllocationEqual:        equal{},
}

// For returns the strategy registered for method.
func For(method domain.AllocationMethod) (Strategy, error) {
	strategy, ok := registry[method]
	if !ok {
		return nil, domain.ErrInvalidMethod
	}
	return strategy, nil
}

// Split is a shorthand for For(method) followed by Strategy.Split.
func Split(method domain.AllocationMethod, amount money.Amount, targets []Target) (Plan, error) {
	strategy, err := For(method)
	if err != nil {
		return Plan{}, err
	}
	return strategy.Split(amount, targets)
}

func validate(amount money.Amount, targets []Target) error {
	if !amount.IsPositive() {
		return domain.ValidationError("Payment amount must be positive")
	}
	if len(targets) == 0 {
		return domain.ErrNoBillingGroups
	}
	if outstanding(targets).IsZero() {
		return domain.ErrNoBalance
	}
	return nil
}

// outstanding sums the positive balances.
func outstanding(targets []Target) money.Amount {
	var total money.Amount
	for _, t := range targets {
		if t.Balance.IsPositive() {
			total = total.Add(t.Balance)
		}
	}
	return total
}

// settle distributes what the first pass left over and builds the plan.
// The remainder goes to groups that already received a share, in order, up
// to each group's balance, then to groups that received nothing.
func settle(amount money.Amount, targets []Target, amounts []money.Amount) Plan {
	remaining := amount.Sub(money.Sum(amounts...))

	fill := func(i int) {
		headroom := targets[i].Balance.Sub(amounts[i])
		if !headroom.IsPositive() || !remaining.IsPositive() {
			return
		}
		extra := money.Min(headroom, remaining)
		amounts[i] = amounts[i].Add(extra)
		remaining = remaining.Sub(extra)
	}
	for i := range targets {
		if amounts[i].IsPositive() {
			fill(i)
		}
	}
	for i := range targets {
		if amounts[i].IsZero() {
			fill(i)
		}
	}

	plan := Plan{Unallocated: remaining}
	for i, t := range targets {
		if amounts[i].IsPositive() {
			plan.Shares = append(plan.Shares, Share{BillingGroupID: t.BillingGroupID, Amount: amounts[i]})
		}
	}
	return plan
}
