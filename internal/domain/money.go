// Package domain holds the policy engine's entities and their invariants.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Currency represents a 3-letter currency code
type Currency string

const (
	USD Currency = "USD"
	SLE Currency = "SLE" // Sierra Leonean Leone
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// Valid reports whether c is three upper-case letters.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// NormalizeCurrency upper-cases and trims a caller supplied code.
func NormalizeCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

// UserType is the closed set of account classes that policy rows are keyed by.
type UserType string

const (
	UserTypeSuperAdmin UserType = "superadmin"
	UserTypeAdmin      UserType = "admin"
	UserTypeMerchant   UserType = "merchant"
	UserTypeAgent      UserType = "agent"
	UserTypeUser       UserType = "user"
)

func (u UserType) Valid() bool {
	switch u {
	case UserTypeSuperAdmin, UserTypeAdmin, UserTypeMerchant, UserTypeAgent, UserTypeUser:
		return true
	}
	return false
}

// TransactionType keys fee configuration.
type TransactionType string

const (
	TransactionTypeTransfer        TransactionType = "transfer"
	TransactionTypeP2P             TransactionType = "p2p"
	TransactionTypeMerchantPayment TransactionType = "merchant_payment"
	TransactionTypeWithdrawal      TransactionType = "withdrawal"
	TransactionTypeDeposit         TransactionType = "deposit"
	TransactionTypeExchange        TransactionType = "exchange"
	TransactionTypeCardPayment     TransactionType = "card_payment"
)

// Transferable reports whether t may key the fee of an account-to-account transfer.
func (t TransactionType) Transferable() bool {
	switch t {
	case TransactionTypeTransfer, TransactionTypeP2P, TransactionTypeMerchantPayment, TransactionTypeWithdrawal:
		return true
	}
	return false
}

// PercentOf returns amount × pct / 100.
func PercentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// RoundMoney rounds half away from zero to scale decimal places.
func RoundMoney(amount decimal.Decimal, scale int32) decimal.Decimal {
	return amount.Round(scale)
}

// Dec is a small helper for optional amounts.
func Dec(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func isPercentage(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(hundred)
}

func nonNegative(ds ...decimal.Decimal) bool {
	for _, d := range ds {
		if d.IsNegative() {
			return false
		}
	}
	return true
}

func nonNegativePtr(ds ...*decimal.Decimal) bool {
	for _, d := range ds {
		if d != nil && d.IsNegative() {
			return false
		}
	}
	return true
}
