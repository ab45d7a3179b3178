// ==============================================================================
// LIMIT USAGE REPOSITORY - internal/repository/postgres/limits.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

func usedInWindow(ctx context.Context, tx *sqlx.Tx, accountID uuid.UUID, scope domain.Scope, periodKey string) (decimal.Decimal, error) {
	var used decimal.Decimal
	query := `
		SELECT COALESCE(
			(SELECT used FROM limit_usage WHERE account_id = $1 AND scope = $2 AND period_key = $3),
			0
		)
	`
	err := tx.GetContext(ctx, &used, query, accountID, scope, periodKey)
	return used, errors.Wrap(err, "failed to read limit usage")
}

// Reserve locks the account row, checks every window and increments them all.
// The increment itself is conditional on the cap so a window can never be
// pushed past it even by a writer that skipped the lock.
func (s *Store) Reserve(ctx context.Context, res *domain.Reservation, windows []domain.WindowCap) error {
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := lockAccount(ctx, tx, res.AccountID); err != nil {
			return err
		}

		for _, w := range windows {
			used, err := usedInWindow(ctx, tx, res.AccountID, res.Scope, w.PeriodKey)
			if err != nil {
				return err
			}
			if !w.Allows(used, res.Amount) {
				return &domain.LimitViolation{Class: w.Class, Cap: *w.Cap, Used: used, Amount: res.Amount}
			}
		}

		increment := `
			INSERT INTO limit_usage (account_id, scope, period_key, used)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, scope, period_key) DO UPDATE SET
				used = limit_usage.used + EXCLUDED.used
			WHERE $5::numeric IS NULL OR limit_usage.used + EXCLUDED.used <= $5::numeric
		`
		for _, w := range windows {
			result, err := tx.ExecContext(ctx, increment, res.AccountID, res.Scope, w.PeriodKey, res.Amount, w.Cap)
			if err != nil {
				return errors.Wrap(err, "failed to increment limit usage")
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "failed to get rows affected")
			}
			if rows == 0 {
				return &domain.LimitViolation{Class: w.Class, Cap: *w.Cap, Amount: res.Amount}
			}
		}

		insert := `
			INSERT INTO limit_reservations (
				id, account_id, scope, amount, daily_key, monthly_key, status, created_at, updated_at
			) VALUES (
				:id, :account_id, :scope, :amount, :daily_key, :monthly_key, :status, :created_at, :updated_at
			)
		`
		_, err := tx.NamedExecContext(ctx, insert, res)
		return errors.Wrap(err, "failed to create reservation")
	})
}

// lockReservation locks the owning account first, then the reservation, the
// same order Post uses.
func lockReservation(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Reservation, error) {
	var accountID uuid.UUID
	err := tx.GetContext(ctx, &accountID, `SELECT account_id FROM limit_reservations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrReservationNotFound
		}
		return nil, errors.Wrap(err, "failed to find reservation")
	}
	if _, err := lockAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}

	res := &domain.Reservation{}
	err = tx.GetContext(ctx, res, `SELECT * FROM limit_reservations WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock reservation")
	}
	return res, nil
}

func setReservationStatus(ctx context.Context, tx *sqlx.Tx, res *domain.Reservation, status domain.ReservationStatus) error {
	res.Status = status
	res.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`UPDATE limit_reservations SET status = $1, updated_at = $2 WHERE id = $3`,
		res.Status, res.UpdatedAt, res.ID,
	)
	return errors.Wrap(err, "failed to update reservation")
}

func (s *Store) ReleaseReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		res, err := lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		switch res.Status {
		case domain.ReservationReleased:
			out = res
			return nil
		case domain.ReservationCommitted:
			return errors.ErrReservationClosed
		}

		decrement := `
			UPDATE limit_usage SET used = used - $1
			WHERE account_id = $2 AND scope = $3 AND period_key = $4
		`
		for _, period := range []string{res.DailyKey, res.MonthlyKey} {
			if _, err := tx.ExecContext(ctx, decrement, res.Amount, res.AccountID, res.Scope, period); err != nil {
				return errors.Wrap(err, "failed to decrement limit usage")
			}
		}
		if err := setReservationStatus(ctx, tx, res, domain.ReservationReleased); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CommitReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		res, err := lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		switch res.Status {
		case domain.ReservationCommitted:
			out = res
			return nil
		case domain.ReservationReleased:
			return errors.Wrap(errors.ErrInvalidTransition, "reservation already released")
		}
		if err := setReservationStatus(ctx, tx, res, domain.ReservationCommitted); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	res := &domain.Reservation{}
	err := s.db.GetContext(ctx, res, `SELECT * FROM limit_reservations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrReservationNotFound
		}
		return nil, errors.Wrap(err, "failed to get reservation")
	}
	return res, nil
}

func (s *Store) GetUsage(ctx context.Context, accountID uuid.UUID, scope domain.Scope, periodKey string) (decimal.Decimal, error) {
	var used decimal.Decimal
	query := `
		SELECT COALESCE(u.used, 0)
		FROM accounts a
		LEFT JOIN limit_usage u
			ON u.account_id = a.id AND u.scope = $2 AND u.period_key = $3
		WHERE a.id = $1
	`
	err := s.db.GetContext(ctx, &used, query, accountID, scope, periodKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, errors.ErrAccountNotFound
		}
		return decimal.Zero, errors.Wrap(err, "failed to get limit usage")
	}
	return used, nil
}

func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	query := `
		SELECT * FROM limit_reservations
		WHERE status = 'reserved' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	if err := s.db.SelectContext(ctx, &out, query, cutoff, limit); err != nil {
		return nil, errors.Wrap(err, "failed to list stale reservations")
	}
	return out, nil
}
