package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// Rates

func (s *Store) GetRate(ctx context.Context, from, to domain.Currency) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[pairKey{from, to}]
	if !ok {
		return nil, errors.ErrRateNotConfigured
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpsertRate(ctx context.Context, rate *domain.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{rate.FromCurrency, rate.ToCurrency}
	if existing, ok := s.rates[key]; ok {
		rate.ID = existing.ID
		rate.CreatedAt = existing.CreatedAt
		rate.Version = existing.Version + 1
	} else {
		rate.Version = 1
	}
	cp := *rate
	s.rates[key] = &cp
	s.rateHistory[key] = append(s.rateHistory[key], &domain.RateChange{
		ID:               uuid.New(),
		FromCurrency:     rate.FromCurrency,
		ToCurrency:       rate.ToCurrency,
		Rate:             rate.Rate,
		MarginPercentage: rate.MarginPercentage,
		IsActive:         rate.IsActive,
		Version:          rate.Version,
		ChangedAt:        rate.UpdatedAt,
	})
	return nil
}

func (s *Store) ListRates(ctx context.Context) ([]*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromCurrency != out[j].FromCurrency {
			return out[i].FromCurrency < out[j].FromCurrency
		}
		return out[i].ToCurrency < out[j].ToCurrency
	})
	return out, nil
}

func (s *Store) RateHistory(ctx context.Context, from, to domain.Currency, limit int) ([]*domain.RateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.rateHistory[pairKey{from, to}]
	out := make([]*domain.RateChange, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *history[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Fees

func (s *Store) GetFeeConfig(ctx context.Context, txType domain.TransactionType, currency domain.Currency) (*domain.FeeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fees[feeKey{txType, currency}]
	if !ok {
		return nil, errors.ErrFeeConfigMissing
	}
	cp := *f
	return &cp, nil
}

func (s *Store) UpsertFeeConfig(ctx context.Context, cfg *domain.FeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := feeKey{cfg.TransactionType, cfg.Currency}
	cfg.Version = 1
	if existing, ok := s.fees[key]; ok {
		cfg.Version = existing.Version + 1
	}
	cp := *cfg
	s.fees[key] = &cp
	return nil
}

func (s *Store) ListFeeConfigs(ctx context.Context) ([]*domain.FeeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.FeeConfig, 0, len(s.fees))
	for _, f := range s.fees {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionType != out[j].TransactionType {
			return out[i].TransactionType < out[j].TransactionType
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

// Transfer limits

func (s *Store) GetTransferLimit(ctx context.Context, userType domain.UserType, currency domain.Currency) (*domain.TransferLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[limitKey{userType, currency}]
	if !ok {
		return nil, errors.ErrLimitNotConfigured
	}
	cp := *l
	return &cp, nil
}

func (s *Store) UpsertTransferLimit(ctx context.Context, limit *domain.TransferLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := limitKey{limit.UserType, limit.Currency}
	limit.Version = 1
	if existing, ok := s.limits[key]; ok {
		limit.Version = existing.Version + 1
	}
	cp := *limit
	s.limits[key] = &cp
	return nil
}

func (s *Store) ListTransferLimits(ctx context.Context) ([]*domain.TransferLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.TransferLimit, 0, len(s.limits))
	for _, l := range s.limits {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserType != out[j].UserType {
			return out[i].UserType < out[j].UserType
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

// Exchange permissions

func (s *Store) GetPermission(ctx context.Context, userType domain.UserType) (*domain.ExchangePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[userType]
	if !ok {
		return nil, errors.Wrap(errors.ErrPermissionDenied, "no exchange permission configured")
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertPermission(ctx context.Context, perm *domain.ExchangePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm.Version = 1
	if existing, ok := s.permissions[perm.UserType]; ok {
		perm.Version = existing.Version + 1
	}
	cp := *perm
	s.permissions[perm.UserType] = &cp
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.ExchangePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ExchangePermission, 0, len(s.permissions))
	for _, p := range s.permissions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserType < out[j].UserType })
	return out, nil
}

// Card programs and cards

func (s *Store) GetProgram(ctx context.Context, id uuid.UUID) (*domain.CardProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[id]
	if !ok {
		return nil, errors.ErrCardProgramNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertProgram(ctx context.Context, program *domain.CardProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	program.Version = 1
	if existing, ok := s.programs[program.ID]; ok {
		program.Version = existing.Version + 1
	}
	cp := *program
	s.programs[program.ID] = &cp
	return nil
}

func (s *Store) ListPrograms(ctx context.Context) ([]*domain.CardProgram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CardProgram, 0, len(s.programs))
	for _, p := range s.programs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetCard(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, errors.ErrCardNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *card
	s.cards[card.ID] = &cp
	return nil
}

func (s *Store) UpdateCard(ctx context.Context, card *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[card.ID]; !ok {
		return errors.ErrCardNotFound
	}
	cp := *card
	s.cards[card.ID] = &cp
	return nil
}
