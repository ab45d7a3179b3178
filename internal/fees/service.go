// Package fees computes transaction fees from tiered fee rules.
//
// ==============================================================================
// FEE CALCULATOR - internal/fees/service.go
// ==============================================================================
package fees

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

// Missing-config handling for money-movement paths.
const (
	MissingBlock = "block"
	MissingWaive = "waive"
)

// Repository persists fee rows keyed by (transaction type, currency).
type Repository interface {
	GetFeeConfig(ctx context.Context, txType domain.TransactionType, currency domain.Currency) (*domain.FeeConfig, error)
	UpsertFeeConfig(ctx context.Context, cfg *domain.FeeConfig) error
	ListFeeConfigs(ctx context.Context) ([]*domain.FeeConfig, error)
}

// Fee is a computed fee and the rule that produced it.
type Fee struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency domain.Currency `json:"currency"`
	Rule     domain.FeeRule  `json:"rule"`
	Waived   bool            `json:"waived"`
}

type Service struct {
	repo          Repository
	logger        logger.Logger
	scale         int32
	missingPolicy string
}

func NewService(repo Repository, scale int32, missingPolicy string, log logger.Logger) *Service {
	if missingPolicy != MissingWaive {
		missingPolicy = MissingBlock
	}
	return &Service{
		repo:          repo,
		logger:        log,
		scale:         scale,
		missingPolicy: missingPolicy,
	}
}

// Compute applies rule to amount: clamp(amount × pct / 100, min, max) + flat, floored at zero.
func Compute(rule domain.FeeRule, amount decimal.Decimal) decimal.Decimal {
	fee := domain.PercentOf(amount, rule.Percentage)
	if fee.LessThan(rule.Minimum) {
		fee = rule.Minimum
	}
	if rule.Maximum != nil && fee.GreaterThan(*rule.Maximum) {
		fee = *rule.Maximum
	}
	fee = fee.Add(rule.Flat)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// Apply computes the fee for rule and rounds it to the money scale.
func (s *Service) Apply(rule domain.FeeRule, amount decimal.Decimal, currency domain.Currency) *Fee {
	return &Fee{
		Amount:   domain.RoundMoney(Compute(rule, amount), s.scale),
		Currency: currency,
		Rule:     rule,
	}
}

// Waived returns a zero fee, used when a card program exempts the transaction.
func Waived(currency domain.Currency) *Fee {
	return &Fee{Amount: decimal.Zero, Currency: currency, Waived: true}
}

// ComputeFee computes the configured fee. A missing or inactive row yields ErrFeeConfigMissing.
func (s *Service) ComputeFee(ctx context.Context, amount decimal.Decimal, currency domain.Currency, txType domain.TransactionType) (*Fee, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	cfg, err := s.repo.GetFeeConfig(ctx, txType, currency)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, errors.ErrFeeConfigMissing
	}
	return s.Apply(cfg.Rule(), amount, currency), nil
}

// ComputeForMovement is ComputeFee with the configured missing-row policy applied.
func (s *Service) ComputeForMovement(ctx context.Context, amount decimal.Decimal, currency domain.Currency, txType domain.TransactionType) (*Fee, error) {
	fee, err := s.ComputeFee(ctx, amount, currency, txType)
	if errors.Is(err, errors.ErrFeeConfigMissing) && s.missingPolicy == MissingWaive {
		s.logger.Warn("Fee config missing, waiving fee", map[string]interface{}{
			"transaction_type": txType,
			"currency":         currency,
		})
		return Waived(currency), nil
	}
	return fee, err
}

// SetConfig validates and stores a fee row.
func (s *Service) SetConfig(ctx context.Context, cfg *domain.FeeConfig) (*domain.FeeConfig, error) {
	cfg.Currency = domain.NormalizeCurrency(string(cfg.Currency))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertFeeConfig(ctx, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to store fee config")
	}

	s.logger.Info("Fee config updated", map[string]interface{}{
		"transaction_type": cfg.TransactionType,
		"currency":         cfg.Currency,
		"version":          cfg.Version,
	})
	return cfg, nil
}

func (s *Service) List(ctx context.Context) ([]*domain.FeeConfig, error) {
	return s.repo.ListFeeConfigs(ctx)
}
