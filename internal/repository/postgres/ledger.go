// ==============================================================================
// LEDGER REPOSITORY - internal/repository/postgres/ledger.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/ledger"
	"moneypolicy/pkg/errors"
)

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account := &domain.Account{}
	err := s.db.GetContext(ctx, account, `SELECT * FROM accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "failed to get account")
	}
	return account, nil
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (
			id, owner_id, user_type, currency, balance, kyc_level, timezone, created_at, updated_at
		) VALUES (
			:id, :owner_id, :user_type, :currency, :balance, :kyc_level, :timezone, :created_at, :updated_at
		)
	`
	_, err := s.db.NamedExecContext(ctx, query, account)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrInvalidAccount, "account already exists")
		}
		return errors.Wrap(err, "failed to create account")
	}
	return nil
}

type reservationOwner struct {
	ID        uuid.UUID `db:"id"`
	AccountID uuid.UUID `db:"account_id"`
}

// Post applies a posting under SERIALIZABLE isolation. Every touched account
// is locked in ascending id order before any balance is read, so concurrent
// postings over the same accounts queue instead of deadlocking.
func (s *Store) Post(ctx context.Context, posting *ledger.Posting) error {
	return s.withTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(tx *sqlx.Tx) error {
		ids := make([]uuid.UUID, 0, len(posting.Entries)+len(posting.ReservationIDs))
		for _, e := range posting.Entries {
			ids = append(ids, e.AccountID)
		}

		reservationIDs := sortedUnique(posting.ReservationIDs)
		if len(reservationIDs) > 0 {
			keys := make([]string, len(reservationIDs))
			for i, id := range reservationIDs {
				keys[i] = id.String()
			}
			var owners []reservationOwner
			err := tx.SelectContext(ctx, &owners,
				`SELECT id, account_id FROM limit_reservations WHERE id = ANY($1::uuid[])`, pq.Array(keys))
			if err != nil {
				return errors.Wrap(err, "failed to find reservations")
			}
			if len(owners) != len(reservationIDs) {
				return errors.ErrReservationNotFound
			}
			for _, o := range owners {
				ids = append(ids, o.AccountID)
			}
		}

		accounts := make(map[uuid.UUID]*domain.Account)
		for _, id := range sortedUnique(ids) {
			account, err := lockAccount(ctx, tx, id)
			if err != nil {
				return err
			}
			accounts[id] = account
		}

		after := make([]decimal.Decimal, len(posting.Entries))
		for i, e := range posting.Entries {
			account := accounts[e.AccountID]
			if account.Currency != e.Currency {
				return errors.Wrap(errors.ErrCurrencyMismatch, "entry currency differs from account currency")
			}
			switch e.Direction {
			case domain.EntryDebit:
				next := account.Balance.Sub(e.Amount)
				if next.LessThan(e.Floor) {
					return errors.ErrInsufficientFunds
				}
				account.Balance = next
			case domain.EntryCredit:
				account.Balance = account.Balance.Add(e.Amount)
			}
			after[i] = account.Balance
		}

		for _, id := range reservationIDs {
			var status domain.ReservationStatus
			err := tx.GetContext(ctx, &status, `SELECT status FROM limit_reservations WHERE id = $1 FOR UPDATE`, id)
			if err != nil {
				return errors.Wrap(err, "failed to lock reservation")
			}
			if status == domain.ReservationReleased {
				return errors.Wrap(errors.ErrInvalidTransition, "reservation already released")
			}
		}

		now := time.Now().UTC()
		for _, account := range accounts {
			_, err := tx.ExecContext(ctx,
				`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
				account.Balance, now, account.ID,
			)
			if err != nil {
				return errors.Wrap(err, "failed to update account balance")
			}
		}

		for _, id := range reservationIDs {
			_, err := tx.ExecContext(ctx,
				`UPDATE limit_reservations SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
				domain.ReservationCommitted, now, id, domain.ReservationReserved,
			)
			if err != nil {
				return errors.Wrap(err, "failed to commit reservation")
			}
		}

		insert := `
			INSERT INTO ledger_entries (
				id, transaction_id, account_id, direction, amount, currency, balance_after, created_at
			) VALUES (
				:id, :transaction_id, :account_id, :direction, :amount, :currency, :balance_after, :created_at
			)
		`
		for i, e := range posting.Entries {
			row := &domain.LedgerEntry{
				ID:            uuid.New(),
				TransactionID: posting.TransactionID,
				AccountID:     e.AccountID,
				Direction:     e.Direction,
				Amount:        e.Amount,
				Currency:      e.Currency,
				BalanceAfter:  after[i],
				CreatedAt:     now,
			}
			if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
				return errors.Wrap(err, "failed to insert ledger entry")
			}
		}
		return nil
	})
}

func (s *Store) Entries(ctx context.Context, transactionID uuid.UUID) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	query := `SELECT * FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at`
	err := s.db.SelectContext(ctx, &entries, query, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}
	return entries, nil
}
