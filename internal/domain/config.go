package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/pkg/errors"
)

// ExchangeRate is the single row configured for an ordered currency pair.
// The effective rate is never stored; see EffectiveRate.
type ExchangeRate struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	FromCurrency     Currency        `json:"from_currency" db:"from_currency"`
	ToCurrency       Currency        `json:"to_currency" db:"to_currency"`
	Rate             decimal.Decimal `json:"rate" db:"rate"`
	MarginPercentage decimal.Decimal `json:"margin_percentage" db:"margin_percentage"`
	IsActive         bool            `json:"is_active" db:"is_active"`
	Version          int64           `json:"version" db:"version"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// EffectiveRate returns rate × (1 − margin/100).
func (r *ExchangeRate) EffectiveRate() decimal.Decimal {
	return r.Rate.Mul(hundred.Sub(r.MarginPercentage)).Div(hundred)
}

// ValidateRateParameters enforces rate > 0 and margin within [0,100].
func ValidateRateParameters(from, to Currency, rate, margin decimal.Decimal) error {
	if !from.Valid() || !to.Valid() {
		return errors.Wrap(errors.ErrInvalidRateParameters, "currency codes must be 3 upper-case letters")
	}
	if from == to {
		return errors.Wrap(errors.ErrInvalidRateParameters, "pair must name two different currencies")
	}
	if !rate.IsPositive() {
		return errors.Wrap(errors.ErrInvalidRateParameters, "rate must be greater than zero")
	}
	if !isPercentage(margin) {
		return errors.Wrap(errors.ErrInvalidRateParameters, "margin must be between 0 and 100")
	}
	return nil
}

// RateChange is one audit entry written every time a pair's rate is set.
type RateChange struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	FromCurrency     Currency        `json:"from_currency" db:"from_currency"`
	ToCurrency       Currency        `json:"to_currency" db:"to_currency"`
	Rate             decimal.Decimal `json:"rate" db:"rate"`
	MarginPercentage decimal.Decimal `json:"margin_percentage" db:"margin_percentage"`
	IsActive         bool            `json:"is_active" db:"is_active"`
	Version          int64           `json:"version" db:"version"`
	ChangedAt        time.Time       `json:"changed_at" db:"changed_at"`
}

// ExchangePermission governs currency exchange for one user type.
type ExchangePermission struct {
	UserType      UserType         `json:"user_type" db:"user_type"`
	CanExchange   bool             `json:"can_exchange" db:"can_exchange"`
	DailyLimit    *decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit  *decimal.Decimal `json:"monthly_limit" db:"monthly_limit"`
	MinAmount     decimal.Decimal  `json:"min_amount" db:"min_amount"`
	MaxAmount     *decimal.Decimal `json:"max_amount" db:"max_amount"`
	FeePercentage decimal.Decimal  `json:"fee_percentage" db:"fee_percentage"`
	Version       int64            `json:"version" db:"version"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

func (p *ExchangePermission) Validate() error {
	if !p.UserType.Valid() {
		return errors.Wrap(errors.ErrInvalidPermission, fmt.Sprintf("unknown user type %q", p.UserType))
	}
	if !nonNegative(p.MinAmount) || !nonNegativePtr(p.DailyLimit, p.MonthlyLimit, p.MaxAmount) {
		return errors.Wrap(errors.ErrInvalidPermission, "amounts must not be negative")
	}
	if p.MaxAmount != nil && p.MinAmount.GreaterThan(*p.MaxAmount) {
		return errors.Wrap(errors.ErrInvalidPermission, "min_amount exceeds max_amount")
	}
	if p.DailyLimit != nil && p.MonthlyLimit != nil && p.DailyLimit.GreaterThan(*p.MonthlyLimit) {
		return errors.Wrap(errors.ErrInvalidPermission, "daily_limit exceeds monthly_limit")
	}
	if !isPercentage(p.FeePercentage) {
		return errors.Wrap(errors.ErrInvalidPermission, "fee_percentage must be between 0 and 100")
	}
	return nil
}

// InRange reports whether amount lies within [MinAmount, MaxAmount].
func (p *ExchangePermission) InRange(amount decimal.Decimal) bool {
	if amount.LessThan(p.MinAmount) {
		return false
	}
	return p.MaxAmount == nil || amount.LessThanOrEqual(*p.MaxAmount)
}

// Caps returns the rolling windows an exchange reserves against.
func (p *ExchangePermission) Caps() LimitCaps {
	return LimitCaps{Daily: p.DailyLimit, Monthly: p.MonthlyLimit}
}

// FeeRule returns the permission-scoped exchange fee.
func (p *ExchangePermission) FeeRule() FeeRule {
	return FeeRule{Percentage: p.FeePercentage}
}

// FeeRule is the shape every fee source reduces to.
type FeeRule struct {
	Percentage decimal.Decimal  `json:"percentage"`
	Minimum    decimal.Decimal  `json:"minimum_fee"`
	Maximum    *decimal.Decimal `json:"maximum_fee"`
	Flat       decimal.Decimal  `json:"flat_fee"`
}

// FeeConfig is the fee rule for a (transaction type, currency) pair.
type FeeConfig struct {
	TransactionType TransactionType  `json:"transaction_type" db:"transaction_type"`
	Currency        Currency         `json:"currency" db:"currency"`
	Percentage      decimal.Decimal  `json:"percentage" db:"percentage"`
	MinimumFee      decimal.Decimal  `json:"minimum_fee" db:"minimum_fee"`
	MaximumFee      *decimal.Decimal `json:"maximum_fee" db:"maximum_fee"`
	FlatFee         decimal.Decimal  `json:"flat_fee" db:"flat_fee"`
	IsActive        bool             `json:"is_active" db:"is_active"`
	Version         int64            `json:"version" db:"version"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

func (f *FeeConfig) Validate() error {
	if f.TransactionType == "" {
		return errors.Wrap(errors.ErrInvalidFeeConfig, "transaction_type is required")
	}
	if !f.Currency.Valid() {
		return errors.Wrap(errors.ErrInvalidFeeConfig, "currency must be 3 upper-case letters")
	}
	if !nonNegative(f.Percentage, f.MinimumFee, f.FlatFee) || !nonNegativePtr(f.MaximumFee) {
		return errors.Wrap(errors.ErrInvalidFeeConfig, "monetary fields must not be negative")
	}
	if !isPercentage(f.Percentage) {
		return errors.Wrap(errors.ErrInvalidFeeConfig, "percentage must be between 0 and 100")
	}
	if f.MaximumFee != nil && f.MinimumFee.GreaterThan(*f.MaximumFee) {
		return errors.Wrap(errors.ErrInvalidFeeConfig, "minimum_fee exceeds maximum_fee")
	}
	return nil
}

func (f *FeeConfig) Rule() FeeRule {
	return FeeRule{
		Percentage: f.Percentage,
		Minimum:    f.MinimumFee,
		Maximum:    f.MaximumFee,
		Flat:       f.FlatFee,
	}
}

// TransferLimit caps money movement for a (user type, currency) pair.
// A nil cap means the window is unlimited.
type TransferLimit struct {
	UserType            UserType         `json:"user_type" db:"user_type"`
	Currency            Currency         `json:"currency" db:"currency"`
	DailyLimit          *decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit        *decimal.Decimal `json:"monthly_limit" db:"monthly_limit"`
	PerTransactionLimit *decimal.Decimal `json:"per_transaction_limit" db:"per_transaction_limit"`
	MinAmount           decimal.Decimal  `json:"min_amount" db:"min_amount"`
	IsActive            bool             `json:"is_active" db:"is_active"`
	Version             int64            `json:"version" db:"version"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// Validate enforces min ≤ perTransaction ≤ daily ≤ monthly over the caps that are set.
func (l *TransferLimit) Validate() error {
	if !l.UserType.Valid() {
		return errors.Wrap(errors.ErrInvalidLimitConfig, fmt.Sprintf("unknown user type %q", l.UserType))
	}
	if !l.Currency.Valid() {
		return errors.Wrap(errors.ErrInvalidLimitConfig, "currency must be 3 upper-case letters")
	}
	if !nonNegative(l.MinAmount) || !nonNegativePtr(l.PerTransactionLimit, l.DailyLimit, l.MonthlyLimit) {
		return errors.Wrap(errors.ErrInvalidLimitConfig, "limits must not be negative")
	}

	chain := []struct {
		name  string
		value *decimal.Decimal
	}{
		{"min_amount", &l.MinAmount},
		{"per_transaction_limit", l.PerTransactionLimit},
		{"daily_limit", l.DailyLimit},
		{"monthly_limit", l.MonthlyLimit},
	}
	prev := chain[0]
	for _, c := range chain[1:] {
		if c.value == nil {
			continue
		}
		if prev.value.GreaterThan(*c.value) {
			return errors.Wrap(errors.ErrInvalidLimitConfig, fmt.Sprintf("%s exceeds %s", prev.name, c.name))
		}
		prev = c
	}
	return nil
}

func (l *TransferLimit) Caps() LimitCaps {
	return LimitCaps{
		MinAmount:      l.MinAmount,
		PerTransaction: l.PerTransactionLimit,
		Daily:          l.DailyLimit,
		Monthly:        l.MonthlyLimit,
	}
}
