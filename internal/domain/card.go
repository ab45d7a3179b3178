package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/pkg/errors"
)

type FeatureKind string

const (
	FeatureFeeWaiver FeatureKind = "fee_waiver"
	FeatureOverdraft FeatureKind = "overdraft"
	FeatureBNPL      FeatureKind = "buy_now_pay_later"
	FeatureHighLimit FeatureKind = "high_transaction_limit"
	FeatureCashback  FeatureKind = "cashback"
)

// Feature is one functional capability of a card program. Each variant
// carries only the amounts that are meaningful when it is enabled.
type Feature interface {
	Kind() FeatureKind
	validate() error
}

// FeeWaiver exempts the card's transactions from fees.
type FeeWaiver struct{}

// Overdraft lets the balance go negative down to -Limit.
type Overdraft struct {
	Limit decimal.Decimal
}

// BuyNowPayLater lets the holder defer up to MaxAmount at InterestRate percent.
type BuyNowPayLater struct {
	MaxAmount    decimal.Decimal
	InterestRate decimal.Decimal
}

// HighLimit replaces the account's transfer limits with the program's caps.
type HighLimit struct {
	Daily   *decimal.Decimal
	Monthly *decimal.Decimal
}

// Cashback rewards Percentage of each settled purchase.
type Cashback struct {
	Percentage decimal.Decimal
}

func (FeeWaiver) Kind() FeatureKind      { return FeatureFeeWaiver }
func (Overdraft) Kind() FeatureKind      { return FeatureOverdraft }
func (BuyNowPayLater) Kind() FeatureKind { return FeatureBNPL }
func (HighLimit) Kind() FeatureKind      { return FeatureHighLimit }
func (Cashback) Kind() FeatureKind       { return FeatureCashback }

func (FeeWaiver) validate() error { return nil }

func (o Overdraft) validate() error {
	if o.Limit.IsNegative() {
		return errors.Wrap(errors.ErrInvalidCardProgram, "overdraft limit must not be negative")
	}
	return nil
}

func (b BuyNowPayLater) validate() error {
	if !b.MaxAmount.IsPositive() {
		return errors.Wrap(errors.ErrInvalidCardProgram, "bnpl max amount must be greater than zero")
	}
	if !isPercentage(b.InterestRate) {
		return errors.Wrap(errors.ErrInvalidCardProgram, "bnpl interest rate must be between 0 and 100")
	}
	return nil
}

func (h HighLimit) validate() error {
	if !nonNegativePtr(h.Daily, h.Monthly) {
		return errors.Wrap(errors.ErrInvalidCardProgram, "high limits must not be negative")
	}
	if h.Daily != nil && h.Monthly != nil && h.Daily.GreaterThan(*h.Monthly) {
		return errors.Wrap(errors.ErrInvalidCardProgram, "daily limit exceeds monthly limit")
	}
	return nil
}

func (c Cashback) validate() error {
	if !isPercentage(c.Percentage) {
		return errors.Wrap(errors.ErrInvalidCardProgram, "cashback percentage must be between 0 and 100")
	}
	return nil
}

// FeatureSet holds at most one feature per kind.
type FeatureSet struct {
	items map[FeatureKind]Feature
}

func NewFeatureSet(features ...Feature) FeatureSet {
	s := FeatureSet{items: make(map[FeatureKind]Feature, len(features))}
	for _, f := range features {
		s.items[f.Kind()] = f
	}
	return s
}

func (s FeatureSet) Has(kind FeatureKind) bool {
	_, ok := s.items[kind]
	return ok
}

func (s FeatureSet) Overdraft() (Overdraft, bool) {
	f, ok := s.items[FeatureOverdraft].(Overdraft)
	return f, ok
}

func (s FeatureSet) BuyNowPayLater() (BuyNowPayLater, bool) {
	f, ok := s.items[FeatureBNPL].(BuyNowPayLater)
	return f, ok
}

func (s FeatureSet) HighLimit() (HighLimit, bool) {
	f, ok := s.items[FeatureHighLimit].(HighLimit)
	return f, ok
}

func (s FeatureSet) Cashback() (Cashback, bool) {
	f, ok := s.items[FeatureCashback].(Cashback)
	return f, ok
}

func (s FeatureSet) Validate() error {
	for _, f := range s.items {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProgramFlags is the flat, admin-facing shape of a feature set, used for
// request payloads and table columns.
type ProgramFlags struct {
	NoTransactionFees    bool             `json:"no_transaction_fees" db:"no_transaction_fees"`
	AllowNegativeBalance bool             `json:"allow_negative_balance" db:"allow_negative_balance"`
	OverdraftLimit       decimal.Decimal  `json:"overdraft_limit" db:"overdraft_limit"`
	AllowBuyNowPayLater  bool             `json:"allow_buy_now_pay_later" db:"allow_buy_now_pay_later"`
	BNPLMaxAmount        decimal.Decimal  `json:"bnpl_max_amount" db:"bnpl_max_amount"`
	BNPLInterestRate     decimal.Decimal  `json:"bnpl_interest_rate" db:"bnpl_interest_rate"`
	HighTransactionLimit bool             `json:"high_transaction_limit" db:"high_transaction_limit"`
	DailyLimit           *decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit         *decimal.Decimal `json:"monthly_limit" db:"monthly_limit"`
	CashbackEnabled      bool             `json:"cashback_enabled" db:"cashback_enabled"`
	CashbackPercentage   decimal.Decimal  `json:"cashback_percentage" db:"cashback_percentage"`
}

// Features converts flags into variants. Amounts whose guarding flag is off are dropped.
func (f ProgramFlags) Features() FeatureSet {
	var features []Feature
	if f.NoTransactionFees {
		features = append(features, FeeWaiver{})
	}
	if f.AllowNegativeBalance {
		features = append(features, Overdraft{Limit: f.OverdraftLimit})
	}
	if f.AllowBuyNowPayLater {
		features = append(features, BuyNowPayLater{MaxAmount: f.BNPLMaxAmount, InterestRate: f.BNPLInterestRate})
	}
	if f.HighTransactionLimit {
		features = append(features, HighLimit{Daily: f.DailyLimit, Monthly: f.MonthlyLimit})
	}
	if f.CashbackEnabled {
		features = append(features, Cashback{Percentage: f.CashbackPercentage})
	}
	return NewFeatureSet(features...)
}

// Flags flattens the set back into columns.
func (s FeatureSet) Flags() ProgramFlags {
	var f ProgramFlags
	if s.Has(FeatureFeeWaiver) {
		f.NoTransactionFees = true
	}
	if o, ok := s.Overdraft(); ok {
		f.AllowNegativeBalance = true
		f.OverdraftLimit = o.Limit
	}
	if b, ok := s.BuyNowPayLater(); ok {
		f.AllowBuyNowPayLater = true
		f.BNPLMaxAmount = b.MaxAmount
		f.BNPLInterestRate = b.InterestRate
	}
	if h, ok := s.HighLimit(); ok {
		f.HighTransactionLimit = true
		f.DailyLimit = h.Daily
		f.MonthlyLimit = h.Monthly
	}
	if c, ok := s.Cashback(); ok {
		f.CashbackEnabled = true
		f.CashbackPercentage = c.Percentage
	}
	return f
}

func (s FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Flags())
}

func (s *FeatureSet) UnmarshalJSON(data []byte) error {
	var f ProgramFlags
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = f.Features()
	return nil
}

// CardProgram is a template of terms; issued cards keep a snapshot of it.
type CardProgram struct {
	ID                       uuid.UUID       `json:"id"`
	Name                     string          `json:"name"`
	Features                 FeatureSet      `json:"features"`
	TransactionFeePercentage decimal.Decimal `json:"transaction_fee_percentage"`
	TransactionFeeFixed      decimal.Decimal `json:"transaction_fee_fixed"`
	RequiredKYCLevel         int             `json:"required_kyc_level"`
	Version                  int64           `json:"version"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

func (p *CardProgram) Validate() error {
	if p.Name == "" {
		return errors.Wrap(errors.ErrInvalidCardProgram, "name is required")
	}
	if !isPercentage(p.TransactionFeePercentage) || p.TransactionFeeFixed.IsNegative() {
		return errors.Wrap(errors.ErrInvalidCardProgram, "transaction fee out of range")
	}
	if p.RequiredKYCLevel < 0 {
		return errors.Wrap(errors.ErrInvalidCardProgram, "required kyc level must not be negative")
	}
	return p.Features.Validate()
}

// HasOwnFee reports whether the program defines a card-specific fee.
func (p *CardProgram) HasOwnFee() bool {
	return p.TransactionFeePercentage.IsPositive() || p.TransactionFeeFixed.IsPositive()
}

func (p *CardProgram) FeeRule() FeeRule {
	return FeeRule{Percentage: p.TransactionFeePercentage, Flat: p.TransactionFeeFixed}
}

// Card is issued against a program. Terms is a copy taken at issue time and
// only refreshed by an explicit reapply.
type Card struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	ProgramID      uuid.UUID   `json:"program_id"`
	ProgramVersion int64       `json:"program_version"`
	Terms          CardProgram `json:"terms"`
	IssuedAt       time.Time   `json:"issued_at"`
	TermsAppliedAt time.Time   `json:"terms_applied_at"`
}

type DecisionOutcome string

const (
	OutcomeApprove              DecisionOutcome = "approve"
	OutcomeApproveWithOverdraft DecisionOutcome = "approve_with_overdraft"
	OutcomeApproveAsInstallment DecisionOutcome = "approve_as_installment"
	OutcomeDecline              DecisionOutcome = "decline"
)

// InstallmentPlan is what the card policy hands to the installment scheduler.
type InstallmentPlan struct {
	Principal      decimal.Decimal `json:"principal"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	TotalRepayable decimal.Decimal `json:"total_repayable"`
}

// Decision is the card policy verdict for one proposed transaction.
type Decision struct {
	Outcome     DecisionOutcome  `json:"outcome"`
	Shortfall   decimal.Decimal  `json:"shortfall"`
	Installment *InstallmentPlan `json:"installment,omitempty"`
	Cashback    decimal.Decimal  `json:"cashback"`
	Reason      error            `json:"-"`
}

func (d Decision) Approved() bool {
	return d.Outcome != OutcomeDecline
}

type AuthorizationStatus string

const (
	AuthorizationPending    AuthorizationStatus = "pending"
	AuthorizationAuthorized AuthorizationStatus = "authorized"
	AuthorizationDeclined   AuthorizationStatus = "declined"
	AuthorizationSettled    AuthorizationStatus = "settled"
)

// CardAuthorization records a card decision keyed by the caller's reference.
type CardAuthorization struct {
	ID               uuid.UUID           `json:"id" db:"id"`
	Reference        string              `json:"reference" db:"reference"`
	CardID           uuid.UUID           `json:"card_id" db:"card_id"`
	AccountID        uuid.UUID           `json:"account_id" db:"account_id"`
	Amount           decimal.Decimal     `json:"amount" db:"amount"`
	Currency         Currency            `json:"currency" db:"currency"`
	FeeAmount        decimal.Decimal     `json:"fee_amount" db:"fee_amount"`
	Outcome          DecisionOutcome     `json:"outcome" db:"outcome"`
	Shortfall        decimal.Decimal     `json:"shortfall" db:"shortfall"`
	Cashback         decimal.Decimal     `json:"cashback" db:"cashback"`
	InterestRate     decimal.Decimal     `json:"interest_rate" db:"interest_rate"`
	TotalRepayable   decimal.Decimal     `json:"total_repayable" db:"total_repayable"`
	Status           AuthorizationStatus `json:"status" db:"status"`
	FailureCode      string              `json:"failure_code,omitempty" db:"failure_code"`
	ReservationID    *uuid.UUID          `json:"reservation_id,omitempty" db:"reservation_id"`
	CashbackCredited bool                `json:"cashback_credited" db:"cashback_credited"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	SettledAt        *time.Time          `json:"settled_at,omitempty" db:"settled_at"`
}

// Err reconstructs the decline reason for a declined authorization.
func (a *CardAuthorization) Err() error {
	if a.Status != AuthorizationDeclined {
		return nil
	}
	return errors.FromCode(a.FailureCode)
}
