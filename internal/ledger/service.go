// ==============================================================================
// LEDGER SERVICE - internal/ledger/service.go
// ==============================================================================
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

// Store is the account/ledger backend. Post must apply every entry, write the
// audit rows and commit the listed reservations in one atomic unit, locking
// accounts in ascending id order. A debit that would leave the balance below
// its entry's Floor fails the whole posting with ErrInsufficientFunds.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	Post(ctx context.Context, posting *Posting) error
	Entries(ctx context.Context, transactionID uuid.UUID) ([]*domain.LedgerEntry, error)
}

// Entry is one balance movement within a posting.
type Entry struct {
	AccountID uuid.UUID
	Direction domain.EntryDirection
	Amount    decimal.Decimal
	Currency  domain.Currency
	// Floor is the lowest balance a debit may leave behind; negative for overdraft.
	Floor decimal.Decimal
}

// Posting groups the entries of one transaction with the limit reservations
// that are committed alongside them.
type Posting struct {
	TransactionID  uuid.UUID
	ReservationIDs []uuid.UUID
	Entries        []Entry
}

// Debit builds a debit entry that may not take the balance below zero.
func Debit(accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency) Entry {
	return Entry{AccountID: accountID, Direction: domain.EntryDebit, Amount: amount, Currency: currency}
}

func Credit(accountID uuid.UUID, amount decimal.Decimal, currency domain.Currency) Entry {
	return Entry{AccountID: accountID, Direction: domain.EntryCredit, Amount: amount, Currency: currency}
}

type Service struct {
	store  Store
	logger logger.Logger
}

func NewService(store Store, log logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// OpenAccount registers an account the engine may move money on.
func (s *Service) OpenAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	account.Currency = domain.NormalizeCurrency(string(account.Currency))
	if !account.Currency.Valid() {
		return nil, errors.Wrap(errors.ErrInvalidAccount, "currency must be 3 upper-case letters")
	}
	if !account.UserType.Valid() {
		return nil, errors.Wrap(errors.ErrInvalidAccount, "unknown user type")
	}
	if account.Timezone != "" {
		if _, err := time.LoadLocation(account.Timezone); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidAccount, "unknown timezone "+account.Timezone)
		}
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, errors.Wrap(err, "failed to create account")
	}
	return account, nil
}

// Post performs the posting atomically. Zero-amount entries are dropped.
func (s *Service) Post(ctx context.Context, posting *Posting) error {
	entries := posting.Entries[:0:0]
	for _, e := range posting.Entries {
		if e.Amount.IsNegative() {
			return errors.Wrap(errors.ErrInvalidAmount, "ledger entry amount must not be negative")
		}
		if e.Amount.IsZero() {
			continue
		}
		entries = append(entries, e)
	}
	posting.Entries = entries

	if err := s.store.Post(ctx, posting); err != nil {
		if errors.Is(err, errors.ErrInsufficientFunds) || errors.Is(err, errors.ErrCurrencyMismatch) {
			return err
		}
		s.logger.Error("Ledger posting failed", map[string]interface{}{
			"transaction_id": posting.TransactionID,
			"error":          err.Error(),
		})
		return errors.Wrap(err, "failed to post ledger entries")
	}
	return nil
}

func (s *Service) Entries(ctx context.Context, transactionID uuid.UUID) ([]*domain.LedgerEntry, error) {
	return s.store.Entries(ctx, transactionID)
}
