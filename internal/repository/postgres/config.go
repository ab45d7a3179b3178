package postgres

import (
	"context"
	"database/sql"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// namedReturning binds a named query against arg and scans its RETURNING
// columns into dest.
func (s *Store) namedReturning(ctx context.Context, query string, arg interface{}, dest ...interface{}) error {
	bound, args, err := s.db.BindNamed(query, arg)
	if err != nil {
		return err
	}
	return s.db.QueryRowxContext(ctx, bound, args...).Scan(dest...)
}

// Fees

func (s *Store) GetFeeConfig(ctx context.Context, txType domain.TransactionType, currency domain.Currency) (*domain.FeeConfig, error) {
	cfg := &domain.FeeConfig{}
	query := `SELECT * FROM fee_configs WHERE transaction_type = $1 AND currency = $2`
	err := s.db.GetContext(ctx, cfg, query, txType, currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrFeeConfigMissing
		}
		return nil, errors.Wrap(err, "failed to get fee config")
	}
	return cfg, nil
}

func (s *Store) UpsertFeeConfig(ctx context.Context, cfg *domain.FeeConfig) error {
	query := `
		INSERT INTO fee_configs (
			transaction_type, currency, percentage, minimum_fee, maximum_fee, flat_fee, is_active, version, updated_at
		) VALUES (
			:transaction_type, :currency, :percentage, :minimum_fee, :maximum_fee, :flat_fee, :is_active, 1, :updated_at
		)
		ON CONFLICT (transaction_type, currency) DO UPDATE SET
			percentage = EXCLUDED.percentage,
			minimum_fee = EXCLUDED.minimum_fee,
			maximum_fee = EXCLUDED.maximum_fee,
			flat_fee = EXCLUDED.flat_fee,
			is_active = EXCLUDED.is_active,
			version = fee_configs.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`
	err := s.namedReturning(ctx, query, cfg, &cfg.Version)
	return errors.Wrap(err, "failed to upsert fee config")
}

func (s *Store) ListFeeConfigs(ctx context.Context) ([]*domain.FeeConfig, error) {
	var cfgs []*domain.FeeConfig
	query := `SELECT * FROM fee_configs ORDER BY transaction_type, currency`
	err := s.db.SelectContext(ctx, &cfgs, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list fee configs")
	}
	return cfgs, nil
}

// Transfer limits

func (s *Store) GetTransferLimit(ctx context.Context, userType domain.UserType, currency domain.Currency) (*domain.TransferLimit, error) {
	limit := &domain.TransferLimit{}
	query := `SELECT * FROM transfer_limits WHERE user_type = $1 AND currency = $2`
	err := s.db.GetContext(ctx, limit, query, userType, currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrLimitNotConfigured
		}
		return nil, errors.Wrap(err, "failed to get transfer limit")
	}
	return limit, nil
}

func (s *Store) UpsertTransferLimit(ctx context.Context, limit *domain.TransferLimit) error {
	query := `
		INSERT INTO transfer_limits (
			user_type, currency, daily_limit, monthly_limit, per_transaction_limit, min_amount, is_active, version, updated_at
		) VALUES (
			:user_type, :currency, :daily_limit, :monthly_limit, :per_transaction_limit, :min_amount, :is_active, 1, :updated_at
		)
		ON CONFLICT (user_type, currency) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			per_transaction_limit = EXCLUDED.per_transaction_limit,
			min_amount = EXCLUDED.min_amount,
			is_active = EXCLUDED.is_active,
			version = transfer_limits.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`
	err := s.namedReturning(ctx, query, limit, &limit.Version)
	return errors.Wrap(err, "failed to upsert transfer limit")
}

func (s *Store) ListTransferLimits(ctx context.Context) ([]*domain.TransferLimit, error) {
	var limits []*domain.TransferLimit
	query := `SELECT * FROM transfer_limits ORDER BY user_type, currency`
	err := s.db.SelectContext(ctx, &limits, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list transfer limits")
	}
	return limits, nil
}

// Exchange permissions

func (s *Store) GetPermission(ctx context.Context, userType domain.UserType) (*domain.ExchangePermission, error) {
	perm := &domain.ExchangePermission{}
	query := `SELECT * FROM exchange_permissions WHERE user_type = $1`
	err := s.db.GetContext(ctx, perm, query, userType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(errors.ErrPermissionDenied, "no exchange permission configured")
		}
		return nil, errors.Wrap(err, "failed to get exchange permission")
	}
	return perm, nil
}

func (s *Store) UpsertPermission(ctx context.Context, perm *domain.ExchangePermission) error {
	query := `
		INSERT INTO exchange_permissions (
			user_type, can_exchange, daily_limit, monthly_limit, min_amount, max_amount, fee_percentage, version, updated_at
		) VALUES (
			:user_type, :can_exchange, :daily_limit, :monthly_limit, :min_amount, :max_amount, :fee_percentage, 1, :updated_at
		)
		ON CONFLICT (user_type) DO UPDATE SET
			can_exchange = EXCLUDED.can_exchange,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			fee_percentage = EXCLUDED.fee_percentage,
			version = exchange_permissions.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`
	err := s.namedReturning(ctx, query, perm, &perm.Version)
	return errors.Wrap(err, "failed to upsert exchange permission")
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.ExchangePermission, error) {
	var perms []*domain.ExchangePermission
	query := `SELECT * FROM exchange_permissions ORDER BY user_type`
	err := s.db.SelectContext(ctx, &perms, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list exchange permissions")
	}
	return perms, nil
}
