package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the external ledger row the engine debits and credits.
type Account struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	OwnerID   uuid.UUID       `json:"owner_id" db:"owner_id"`
	UserType  UserType        `json:"user_type" db:"user_type"`
	Currency  Currency        `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	KYCLevel  int             `json:"kyc_level" db:"kyc_level"`
	Timezone  string          `json:"timezone" db:"timezone"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Location resolves the account's timezone, falling back to def.
func (a *Account) Location(def *time.Location) *time.Location {
	if a.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return def
	}
	return loc
}

type EntryDirection string

const (
	EntryDebit  EntryDirection = "debit"
	EntryCredit EntryDirection = "credit"
)

// LedgerEntry is the immutable audit row written for each balance movement.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TransactionID uuid.UUID       `json:"transaction_id" db:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id" db:"account_id"`
	Direction     EntryDirection  `json:"direction" db:"direction"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      Currency        `json:"currency" db:"currency"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
