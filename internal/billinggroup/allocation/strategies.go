package allocation

import (
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/pkg/money"
)

// proportional weights each group by its share of the total balance.
type proportional struct{}

func (proportional) Method() domain.AllocationMethod { return domain.AllocationProportional }

func (proportional) Split(amount money.Amount, targets []Target) (Plan, error) {
	if err := validate(amount, targets); err != nil {
		return Plan{}, err
	}
	total := outstanding(targets)
	amounts := make([]money.Amount, len(targets))
	remaining := amount
	for i, t := range targets {
		if !t.Balance.IsPositive() || !remaining.IsPositive() {
			continue
		}
		share := money.Min(amount.MulRatio(t.Balance, total), t.Balance, remaining)
		if !share.IsPositive() {
			continue
		}
		amounts[i] = share
		remaining = remaining.Sub(share)
	}
	return settle(amount, targets, amounts), nil
}

// fifo pays groups in the order given until the payment runs out.
type fifo struct{}

func (fifo) Method() domain.AllocationMethod { return domain.AllocationFIFO }

func (fifo) Split(amount money.Amount, targets []Target) (Plan, error) {
	if err := validate(amount, targets); err != nil {
		return Plan{}, err
	}
	amounts := make([]money.Amount, len(targets))
	remaining := amount
	for i, t := range targets {
		if !remaining.IsPositive() {
			break
		}
		if !t.Balance.IsPositive() {
			continue
		}
		share := money.Min(t.Balance, remaining)
		amounts[i] = share
		remaining = remaining.Sub(share)
	}
	return settle(amount, targets, amounts), nil
}

// equal gives every group the same floor share.
type equal struct{}

func (equal) Method() domain.AllocationMethod { return domain.AllocationEqual }

func (equal) Split(amount money.Amount, targets []Target) (Plan, error) {
	if err := validate(amount, targets); err != nil {
		return Plan{}, err
	}
	each := amount.SplitFloor(len(targets))
	amounts := make([]money.Amount, len(targets))
	remaining := amount
	for i, t := range targets {
		if !t.Balance.IsPositive() || !remaining.IsPositive() {
			continue
		}
		share := money.Min(each, t.Balance, remaining)
		if !share.IsPositive() {
			continue
		}
		amounts[i] = share
		remaining = remaining.Sub(share)
	}
	return settle(amount, targets, amounts), nil
}
