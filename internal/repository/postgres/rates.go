// ==============================================================================
// EXCHANGE RATE REPOSITORY - internal/repository/postgres/rates.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

func (s *Store) GetRate(ctx context.Context, from, to domain.Currency) (*domain.ExchangeRate, error) {
	var rate domain.ExchangeRate
	query := `
		SELECT * FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2
	`

	err := s.db.GetContext(ctx, &rate, query, from, to)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrRateNotConfigured
		}
		return nil, errors.Wrap(err, "failed to get exchange rate")
	}

	return &rate, nil
}

// UpsertRate supersedes the row for the pair in place and appends the new
// state to the audit log in the same transaction.
func (s *Store) UpsertRate(ctx context.Context, rate *domain.ExchangeRate) error {
	return s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO exchange_rates (
				id, from_currency, to_currency, rate, margin_percentage,
				is_active, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
			ON CONFLICT (from_currency, to_currency) DO UPDATE SET
				rate = EXCLUDED.rate,
				margin_percentage = EXCLUDED.margin_percentage,
				is_active = EXCLUDED.is_active,
				version = exchange_rates.version + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING id, version, created_at
		`
		err := tx.QueryRowxContext(ctx, query,
			rate.ID, rate.FromCurrency, rate.ToCurrency, rate.Rate, rate.MarginPercentage,
			rate.IsActive, rate.CreatedAt, rate.UpdatedAt,
		).Scan(&rate.ID, &rate.Version, &rate.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to upsert exchange rate")
		}

		change := &domain.RateChange{
			ID:               uuid.New(),
			FromCurrency:     rate.FromCurrency,
			ToCurrency:       rate.ToCurrency,
			Rate:             rate.Rate,
			MarginPercentage: rate.MarginPercentage,
			IsActive:         rate.IsActive,
			Version:          rate.Version,
			ChangedAt:        rate.UpdatedAt,
		}
		audit := `
			INSERT INTO exchange_rate_audit (
				id, from_currency, to_currency, rate, margin_percentage, is_active, version, changed_at
			) VALUES (
				:id, :from_currency, :to_currency, :rate, :margin_percentage, :is_active, :version, :changed_at
			)
		`
		_, err = tx.NamedExecContext(ctx, audit, change)
		return errors.Wrap(err, "failed to append exchange rate audit")
	})
}

func (s *Store) ListRates(ctx context.Context) ([]*domain.ExchangeRate, error) {
	var rates []*domain.ExchangeRate
	query := `SELECT * FROM exchange_rates ORDER BY from_currency, to_currency`

	err := s.db.SelectContext(ctx, &rates, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list exchange rates")
	}

	return rates, nil
}

func (s *Store) RateHistory(ctx context.Context, from, to domain.Currency, limit int) ([]*domain.RateChange, error) {
	var changes []*domain.RateChange
	query := `
		SELECT * FROM exchange_rate_audit
		WHERE from_currency = $1 AND to_currency = $2
		ORDER BY version DESC
		LIMIT $3
	`

	err := s.db.SelectContext(ctx, &changes, query, from, to, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rate history")
	}

	return changes, nil
}
