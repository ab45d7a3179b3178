package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/ledger"
	"moneypolicy/pkg/errors"
)

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	states, unlock, ok := s.lockAccounts(id)
	defer unlock()
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	cp := states[id].account
	return &cp, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return errors.Wrap(errors.ErrInvalidAccount, "account already exists")
	}
	s.accounts[account.ID] = &accountState{
		account:      *account,
		usage:        make(map[windowKey]decimal.Decimal),
		reservations: make(map[uuid.UUID]*domain.Reservation),
	}
	return nil
}

func (s *Store) Post(ctx context.Context, posting *ledger.Posting) error {
	ids := make([]uuid.UUID, 0, len(posting.Entries)+len(posting.ReservationIDs))
	for _, e := range posting.Entries {
		ids = append(ids, e.AccountID)
	}
	for _, rid := range posting.ReservationIDs {
		accountID, ok := s.owner(rid)
		if !ok {
			return errors.ErrReservationNotFound
		}
		ids = append(ids, accountID)
	}

	states, unlock, ok := s.lockAccounts(ids...)
	defer unlock()
	if !ok {
		return errors.ErrAccountNotFound
	}

	// Work on copies of the balances so a failed entry leaves nothing behind.
	balances := make(map[uuid.UUID]decimal.Decimal, len(states))
	for id, st := range states {
		balances[id] = st.account.Balance
	}
	after := make([]decimal.Decimal, len(posting.Entries))
	for i, e := range posting.Entries {
		st := states[e.AccountID]
		if st.account.Currency != e.Currency {
			return errors.Wrap(errors.ErrCurrencyMismatch, "entry currency differs from account currency")
		}
		switch e.Direction {
		case domain.EntryDebit:
			next := balances[e.AccountID].Sub(e.Amount)
			if next.LessThan(e.Floor) {
				return errors.ErrInsufficientFunds
			}
			balances[e.AccountID] = next
		case domain.EntryCredit:
			balances[e.AccountID] = balances[e.AccountID].Add(e.Amount)
		}
		after[i] = balances[e.AccountID]
	}
	for _, rid := range posting.ReservationIDs {
		accountID, _ := s.owner(rid)
		if states[accountID].reservations[rid].Status == domain.ReservationReleased {
			return errors.Wrap(errors.ErrInvalidTransition, "reservation already released")
		}
	}

	now := time.Now().UTC()
	for id, balance := range balances {
		states[id].account.Balance = balance
		states[id].account.UpdatedAt = now
	}
	for _, rid := range posting.ReservationIDs {
		accountID, _ := s.owner(rid)
		_ = commit(states[accountID].reservations[rid])
	}

	rows := make([]*domain.LedgerEntry, len(posting.Entries))
	for i, e := range posting.Entries {
		rows[i] = &domain.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: posting.TransactionID,
			AccountID:     e.AccountID,
			Direction:     e.Direction,
			Amount:        e.Amount,
			Currency:      e.Currency,
			BalanceAfter:  after[i],
			CreatedAt:     now,
		}
	}
	s.mu.Lock()
	s.entries[posting.TransactionID] = append(s.entries[posting.TransactionID], rows...)
	s.mu.Unlock()
	return nil
}

func (s *Store) Entries(ctx context.Context, transactionID uuid.UUID) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.entries[transactionID]
	out := make([]*domain.LedgerEntry, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
