package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/pkg/errors"
)

type TransactionKind string

const (
	TransactionKindExchange TransactionKind = "exchange"
	TransactionKindTransfer TransactionKind = "transfer"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction records an exchange or transfer. Once completed or failed it is
// immutable; ExchangeRate is the effective rate frozen at execution time.
type Transaction struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	Reference       string            `json:"reference" db:"reference"`
	Kind            TransactionKind   `json:"kind" db:"kind"`
	TransactionType TransactionType   `json:"transaction_type" db:"transaction_type"`
	UserType        UserType          `json:"user_type" db:"user_type"`
	FromAccountID   uuid.UUID         `json:"from_account_id" db:"from_account_id"`
	ToAccountID     uuid.UUID         `json:"to_account_id" db:"to_account_id"`
	FromAmount      decimal.Decimal   `json:"from_amount" db:"from_amount"`
	FromCurrency    Currency          `json:"from_currency" db:"from_currency"`
	ToAmount        decimal.Decimal   `json:"to_amount" db:"to_amount"`
	ToCurrency      Currency          `json:"to_currency" db:"to_currency"`
	ExchangeRate    decimal.Decimal   `json:"exchange_rate" db:"exchange_rate"`
	FeeAmount       decimal.Decimal   `json:"fee_amount" db:"fee_amount"`
	Status          TransactionStatus `json:"status" db:"status"`
	FailureCode     string            `json:"failure_code,omitempty" db:"failure_code"`
	ReservationID   *uuid.UUID        `json:"reservation_id,omitempty" db:"reservation_id"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// Complete moves a pending transaction to completed.
func (t *Transaction) Complete(now time.Time) error {
	if t.Status != TransactionStatusPending {
		return errors.ErrInvalidTransition
	}
	t.Status = TransactionStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail moves a pending transaction to failed, recording the cause's code.
func (t *Transaction) Fail(cause error, now time.Time) error {
	if t.Status != TransactionStatusPending {
		return errors.ErrInvalidTransition
	}
	t.Status = TransactionStatusFailed
	t.FailureCode = errors.Code(cause)
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Err reconstructs the error a failed transaction ended with.
func (t *Transaction) Err() error {
	if t.Status != TransactionStatusFailed {
		return nil
	}
	return errors.FromCode(t.FailureCode)
}
