package cards

import (
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// EvaluateOptions carries the caller's side of a card decision.
type EvaluateOptions struct {
	// Installment asks for the purchase to be financed as buy-now-pay-later.
	Installment bool
	KYCLevel    int
}

// Evaluate decides a proposed card charge of amount against the program's
// features and the account's current balance. It never mutates anything.
func Evaluate(program *domain.CardProgram, amount, balance decimal.Decimal, opts EvaluateOptions) domain.Decision {
	if !amount.IsPositive() {
		return decline(errors.ErrInvalidAmount)
	}
	if opts.KYCLevel < program.RequiredKYCLevel {
		return decline(errors.ErrKYCLevelInsufficient)
	}

	cashback := decimal.Zero
	if c, ok := program.Features.Cashback(); ok {
		cashback = domain.PercentOf(amount, c.Percentage)
	}

	if opts.Installment {
		bnpl, ok := program.Features.BuyNowPayLater()
		if !ok {
			return decline(errors.ErrBNPLNotAvailable)
		}
		if amount.GreaterThan(bnpl.MaxAmount) {
			return decline(errors.Wrap(errors.ErrAmountOutOfRange, "amount exceeds buy now pay later maximum"))
		}
		return domain.Decision{
			Outcome:  domain.OutcomeApproveAsInstallment,
			Cashback: cashback,
			Installment: &domain.InstallmentPlan{
				Principal:      amount,
				InterestRate:   bnpl.InterestRate,
				TotalRepayable: amount.Add(domain.PercentOf(amount, bnpl.InterestRate)),
			},
		}
	}

	if balance.GreaterThanOrEqual(amount) {
		return domain.Decision{Outcome: domain.OutcomeApprove, Cashback: cashback}
	}

	overdraft, ok := program.Features.Overdraft()
	if !ok {
		return decline(errors.ErrInsufficientFunds)
	}
	after := balance.Sub(amount)
	if after.LessThan(overdraft.Limit.Neg()) {
		return decline(errors.ErrInsufficientFunds)
	}

	shortfall := amount
	if balance.IsPositive() {
		shortfall = amount.Sub(balance)
	}
	return domain.Decision{
		Outcome:   domain.OutcomeApproveWithOverdraft,
		Shortfall: shortfall,
		Cashback:  cashback,
	}
}

// BalanceFloor is the lowest balance the program lets a debit reach.
func BalanceFloor(program *domain.CardProgram) decimal.Decimal {
	if o, ok := program.Features.Overdraft(); ok {
		return o.Limit.Neg()
	}
	return decimal.Zero
}

// LimitCaps picks the caps card spend is checked against. A HighLimit program
// replaces the account's transfer limit outright; the two are never combined.
func LimitCaps(program *domain.CardProgram, transferLimit *domain.TransferLimit) (domain.LimitCaps, error) {
	if h, ok := program.Features.HighLimit(); ok {
		return domain.LimitCaps{Daily: h.Daily, Monthly: h.Monthly}, nil
	}
	if transferLimit == nil || !transferLimit.IsActive {
		return domain.LimitCaps{}, errors.ErrLimitNotConfigured
	}
	return transferLimit.Caps(), nil
}

func decline(reason error) domain.Decision {
	return domain.Decision{Outcome: domain.OutcomeDecline, Reason: reason}
}
