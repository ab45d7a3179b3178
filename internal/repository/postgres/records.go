// ==============================================================================
// TRANSACTION & AUTHORIZATION REPOSITORY - internal/repository/postgres/records.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// CreateTransaction claims tx.Reference through the unique index.
func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, reference, kind, transaction_type, user_type, from_account_id, to_account_id,
			from_amount, from_currency, to_amount, to_currency, exchange_rate, fee_amount,
			status, failure_code, reservation_id, created_at, updated_at, completed_at
		) VALUES (
			:id, :reference, :kind, :transaction_type, :user_type, :from_account_id, :to_account_id,
			:from_amount, :from_currency, :to_amount, :to_currency, :exchange_rate, :fee_amount,
			:status, :failure_code, :reservation_id, :created_at, :updated_at, :completed_at
		)
	`
	_, err := s.db.NamedExecContext(ctx, query, tx)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateReference
		}
		return errors.Wrap(err, "failed to create transaction")
	}
	return nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	tx := &domain.Transaction{}
	err := s.db.GetContext(ctx, tx, `SELECT * FROM transactions WHERE reference = $1`, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTransactionNotFound
		}
		return nil, errors.Wrap(err, "failed to get transaction by reference")
	}
	return tx, nil
}

// UpdateTransaction only writes over a pending row; terminal records never change.
func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		UPDATE transactions SET
			user_type = :user_type,
			from_currency = :from_currency,
			to_amount = :to_amount,
			to_currency = :to_currency,
			exchange_rate = :exchange_rate,
			fee_amount = :fee_amount,
			status = :status,
			failure_code = :failure_code,
			reservation_id = :reservation_id,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE reference = :reference AND status = 'pending'
	`
	result, err := s.db.NamedExecContext(ctx, query, tx)
	if err != nil {
		return errors.Wrap(err, "failed to update transaction")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		if _, err := s.GetTransactionByReference(ctx, tx.Reference); err != nil {
			return err
		}
		return errors.ErrInvalidTransition
	}
	return nil
}

func (s *Store) CreateAuthorization(ctx context.Context, auth *domain.CardAuthorization) error {
	query := `
		INSERT INTO card_authorizations (
			id, reference, card_id, account_id, amount, currency, fee_amount, outcome,
			shortfall, cashback, interest_rate, total_repayable, status, failure_code,
			reservation_id, cashback_credited, created_at, settled_at
		) VALUES (
			:id, :reference, :card_id, :account_id, :amount, :currency, :fee_amount, :outcome,
			:shortfall, :cashback, :interest_rate, :total_repayable, :status, :failure_code,
			:reservation_id, :cashback_credited, :created_at, :settled_at
		)
	`
	_, err := s.db.NamedExecContext(ctx, query, auth)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateReference
		}
		return errors.Wrap(err, "failed to create card authorization")
	}
	return nil
}

func (s *Store) GetAuthorizationByReference(ctx context.Context, reference string) (*domain.CardAuthorization, error) {
	auth := &domain.CardAuthorization{}
	err := s.db.GetContext(ctx, auth, `SELECT * FROM card_authorizations WHERE reference = $1`, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAuthorizationNotFound
		}
		return nil, errors.Wrap(err, "failed to get card authorization")
	}
	return auth, nil
}

// UpdateAuthorization writes auth only if the stored row is still in status expected.
func (s *Store) UpdateAuthorization(ctx context.Context, auth *domain.CardAuthorization, expected domain.AuthorizationStatus) error {
	query := `
		UPDATE card_authorizations SET
			currency = $1, fee_amount = $2, outcome = $3, shortfall = $4, cashback = $5,
			interest_rate = $6, total_repayable = $7, status = $8, failure_code = $9,
			reservation_id = $10, cashback_credited = $11, settled_at = $12
		WHERE reference = $13 AND status = $14
	`
	result, err := s.db.ExecContext(ctx, query,
		auth.Currency, auth.FeeAmount, auth.Outcome, auth.Shortfall, auth.Cashback,
		auth.InterestRate, auth.TotalRepayable, auth.Status, auth.FailureCode,
		auth.ReservationID, auth.CashbackCredited, auth.SettledAt,
		auth.Reference, expected,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update card authorization")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		if _, err := s.GetAuthorizationByReference(ctx, auth.Reference); err != nil {
			return err
		}
		return errors.ErrInvalidTransition
	}
	return nil
}

func (s *Store) SetCashbackCredited(ctx context.Context, reference string, credited bool) error {
	query := `
		UPDATE card_authorizations SET cashback_credited = $1
		WHERE reference = $2 AND status = $3 AND cashback_credited <> $1
	`
	result, err := s.db.ExecContext(ctx, query, credited, reference, domain.AuthorizationSettled)
	if err != nil {
		return errors.Wrap(err, "failed to update cashback credit")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		if _, err := s.GetAuthorizationByReference(ctx, reference); err != nil {
			return err
		}
		return errors.ErrInvalidTransition
	}
	return nil
}
