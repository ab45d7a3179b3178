package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/pkg/errors"
)

// LimitClass names a rolling cap a check applies to.
type LimitClass string

const (
	LimitClassMinimum        LimitClass = "minimum"
	LimitClassPerTransaction LimitClass = "per_transaction"
	LimitClassDaily          LimitClass = "daily"
	LimitClassMonthly        LimitClass = "monthly"
)

// LimitCaps is the set of caps a reservation is checked against. Nil caps are unlimited.
type LimitCaps struct {
	MinAmount      decimal.Decimal  `json:"min_amount"`
	PerTransaction *decimal.Decimal `json:"per_transaction"`
	Daily          *decimal.Decimal `json:"daily"`
	Monthly        *decimal.Decimal `json:"monthly"`
}

// Scope names the usage bucket a reservation consumes. Transfers and card
// spend share a bucket per currency; exchanges have their own.
type Scope string

func TransferScope(c Currency) Scope { return Scope("transfer:" + string(c)) }
func ExchangeScope(c Currency) Scope { return Scope("exchange:" + string(c)) }

// DailyKey and MonthlyKey bucket t in loc.
func DailyKey(t time.Time, loc *time.Location) string   { return t.In(loc).Format("2006-01-02") }
func MonthlyKey(t time.Time, loc *time.Location) string { return t.In(loc).Format("2006-01") }

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a provisional consumption of limit capacity.
type Reservation struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	AccountID  uuid.UUID         `json:"account_id" db:"account_id"`
	Scope      Scope             `json:"scope" db:"scope"`
	Amount     decimal.Decimal   `json:"amount" db:"amount"`
	DailyKey   string            `json:"daily_key" db:"daily_key"`
	MonthlyKey string            `json:"monthly_key" db:"monthly_key"`
	Status     ReservationStatus `json:"status" db:"status"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// WindowCap pairs a usage window with its cap for one reservation attempt.
// A nil Cap means the window is unlimited.
type WindowCap struct {
	Class     LimitClass
	PeriodKey string
	Cap       *decimal.Decimal
}

// Allows reports whether adding amount to used stays within the cap.
func (w WindowCap) Allows(used, amount decimal.Decimal) bool {
	return w.Cap == nil || used.Add(amount).LessThanOrEqual(*w.Cap)
}

// UsageWindow is the running total consumed in one period.
type UsageWindow struct {
	AccountID uuid.UUID       `json:"account_id" db:"account_id"`
	Scope     Scope           `json:"scope" db:"scope"`
	PeriodKey string          `json:"period_key" db:"period_key"`
	Used      decimal.Decimal `json:"used" db:"used"`
}

// LimitViolation describes which cap rejected an amount. It unwraps to
// ErrLimitExceeded, or ErrAmountOutOfRange for the minimum check.
type LimitViolation struct {
	Class  LimitClass      `json:"class"`
	Cap    decimal.Decimal `json:"cap"`
	Used   decimal.Decimal `json:"used"`
	Amount decimal.Decimal `json:"amount"`
}

func (v *LimitViolation) Error() string {
	if v.Class == LimitClassMinimum {
		return fmt.Sprintf("amount %s below minimum %s: %s", v.Amount, v.Cap, errors.ErrAmountOutOfRange)
	}
	return fmt.Sprintf("%s limit %s exceeded (used %s, requested %s): %s",
		v.Class, v.Cap, v.Used, v.Amount, errors.ErrLimitExceeded)
}

func (v *LimitViolation) Unwrap() error {
	if v.Class == LimitClassMinimum {
		return errors.ErrAmountOutOfRange
	}
	return errors.ErrLimitExceeded
}
