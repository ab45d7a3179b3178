// Package rates keeps the exchange-rate registry: one configured row per
// ordered currency pair, resolved with its margin on every read.
//
// ==============================================================================
// RATE REGISTRY - internal/rates/service.go
// ==============================================================================
package rates

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

// Repository persists rate rows and their audit trail. GetRate returns
// ErrRateNotConfigured when the pair has no row.
type Repository interface {
	GetRate(ctx context.Context, from, to domain.Currency) (*domain.ExchangeRate, error)
	UpsertRate(ctx context.Context, rate *domain.ExchangeRate) error
	ListRates(ctx context.Context) ([]*domain.ExchangeRate, error)
	RateHistory(ctx context.Context, from, to domain.Currency, limit int) ([]*domain.RateChange, error)
}

// EffectiveRate is a resolved rate frozen at the moment it was read.
type EffectiveRate struct {
	FromCurrency     domain.Currency `json:"from_currency"`
	ToCurrency       domain.Currency `json:"to_currency"`
	Rate             decimal.Decimal `json:"rate"`
	MarginPercentage decimal.Decimal `json:"margin_percentage"`
	Effective        decimal.Decimal `json:"effective_rate"`
	Version          int64           `json:"version"`
	ResolvedAt       time.Time       `json:"resolved_at"`
}

// Convert applies the effective rate to amount.
func (e *EffectiveRate) Convert(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(e.Effective)
}

const defaultHistoryLimit = 50

type Service struct {
	repo   Repository
	logger logger.Logger
}

func NewService(repo Repository, log logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// Resolve reads the pair's row. There is no implicit inverse: a USD→SLE row
// says nothing about SLE→USD.
func (s *Service) Resolve(ctx context.Context, from, to domain.Currency) (*EffectiveRate, error) {
	if from == to {
		return nil, errors.Wrap(errors.ErrRateNotConfigured, "same-currency pair")
	}
	rate, err := s.repo.GetRate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !rate.IsActive {
		return nil, errors.ErrRateInactive
	}
	return &EffectiveRate{
		FromCurrency:     rate.FromCurrency,
		ToCurrency:       rate.ToCurrency,
		Rate:             rate.Rate,
		MarginPercentage: rate.MarginPercentage,
		Effective:        rate.EffectiveRate(),
		Version:          rate.Version,
		ResolvedAt:       time.Now().UTC(),
	}, nil
}

// Set supersedes the pair's row in place and activates it.
func (s *Service) Set(ctx context.Context, from, to domain.Currency, rate, margin decimal.Decimal) (*domain.ExchangeRate, error) {
	from = domain.NormalizeCurrency(string(from))
	to = domain.NormalizeCurrency(string(to))
	if err := domain.ValidateRateParameters(from, to, rate, margin); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &domain.ExchangeRate{
		ID:               uuid.New(),
		FromCurrency:     from,
		ToCurrency:       to,
		Rate:             rate,
		MarginPercentage: margin,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.UpsertRate(ctx, row); err != nil {
		return nil, errors.Wrap(err, "failed to store exchange rate")
	}

	s.logger.Info("Exchange rate set", map[string]interface{}{
		"from":    from,
		"to":      to,
		"rate":    rate.String(),
		"margin":  margin.String(),
		"version": row.Version,
	})
	return row, nil
}

// Deactivate disables the pair; Resolve then fails with ErrRateInactive.
func (s *Service) Deactivate(ctx context.Context, from, to domain.Currency) (*domain.ExchangeRate, error) {
	row, err := s.repo.GetRate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !row.IsActive {
		return row, nil
	}
	row.IsActive = false
	row.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertRate(ctx, row); err != nil {
		return nil, errors.Wrap(err, "failed to deactivate exchange rate")
	}

	s.logger.Info("Exchange rate deactivated", map[string]interface{}{
		"from":    from,
		"to":      to,
		"version": row.Version,
	})
	return row, nil
}

func (s *Service) List(ctx context.Context) ([]*domain.ExchangeRate, error) {
	return s.repo.ListRates(ctx)
}

// History returns the pair's audit entries, newest first.
func (s *Service) History(ctx context.Context, from, to domain.Currency, limit int) ([]*domain.RateChange, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	return s.repo.RateHistory(ctx, from, to, limit)
}
