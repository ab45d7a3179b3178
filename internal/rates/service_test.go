package rates

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetRate(ctx context.Context, from, to domain.Currency) (*domain.ExchangeRate, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExchangeRate), args.Error(1)
}

func (m *MockRepository) UpsertRate(ctx context.Context, rate *domain.ExchangeRate) error {
	args := m.Called(ctx, rate)
	return args.Error(0)
}

func (m *MockRepository) ListRates(ctx context.Context) ([]*domain.ExchangeRate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ExchangeRate), args.Error(1)
}

func (m *MockRepository) RateHistory(ctx context.Context, from, to domain.Currency, limit int) ([]*domain.RateChange, error) {
	args := m.Called(ctx, from, to, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RateChange), args.Error(1)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolve(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, logger.NewNop())

	repo.On("GetRate", ctx, domain.USD, domain.SLE).Return(&domain.ExchangeRate{
		FromCurrency:     domain.USD,
		ToCurrency:       domain.SLE,
		Rate:             dec("22.50"),
		MarginPercentage: dec("2"),
		IsActive:         true,
		Version:          3,
	}, nil)
	repo.On("GetRate", ctx, domain.SLE, domain.USD).Return(nil, errors.ErrRateNotConfigured)

	eff, err := svc.Resolve(ctx, domain.USD, domain.SLE)
	require.NoError(t, err)
	assert.True(t, dec("22.05").Equal(eff.Effective))
	assert.True(t, dec("220.5").Equal(eff.Convert(dec("10"))))
	assert.Equal(t, int64(3), eff.Version)

	// no implicit inverse
	_, err = svc.Resolve(ctx, domain.SLE, domain.USD)
	assert.ErrorIs(t, err, errors.ErrRateNotConfigured)

	_, err = svc.Resolve(ctx, domain.USD, domain.USD)
	assert.ErrorIs(t, err, errors.ErrRateNotConfigured)
}

func TestResolve_Inactive(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, logger.NewNop())

	repo.On("GetRate", ctx, domain.EUR, domain.SLE).Return(&domain.ExchangeRate{
		FromCurrency: domain.EUR,
		ToCurrency:   domain.SLE,
		Rate:         dec("24"),
		IsActive:     false,
	}, nil)

	_, err := svc.Resolve(ctx, domain.EUR, domain.SLE)
	assert.ErrorIs(t, err, errors.ErrRateInactive)
	assert.Equal(t, errors.KindConfiguration, errors.Classify(err))
}

func TestSet(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, logger.NewNop())

	repo.On("UpsertRate", ctx, mock.MatchedBy(func(r *domain.ExchangeRate) bool {
		return r.FromCurrency == domain.USD && r.ToCurrency == domain.SLE && r.IsActive
	})).Return(nil).Once()

	row, err := svc.Set(ctx, "usd", "sle", dec("22.5"), dec("2"))
	require.NoError(t, err)
	assert.True(t, dec("22.05").Equal(row.EffectiveRate()))

	for _, tc := range []struct {
		name         string
		rate, margin string
	}{
		{"zero rate", "0", "1"},
		{"negative rate", "-2", "1"},
		{"margin over 100", "1", "101"},
		{"negative margin", "1", "-1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Set(ctx, domain.USD, domain.SLE, dec(tc.rate), dec(tc.margin))
			assert.ErrorIs(t, err, errors.ErrInvalidRateParameters)
		})
	}

	_, err = svc.Set(ctx, domain.USD, domain.USD, dec("1"), dec("0"))
	assert.ErrorIs(t, err, errors.ErrInvalidRateParameters)
	repo.AssertExpectations(t)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, logger.NewNop())

	repo.On("GetRate", ctx, domain.USD, domain.SLE).Return(&domain.ExchangeRate{
		FromCurrency: domain.USD,
		ToCurrency:   domain.SLE,
		Rate:         dec("22.5"),
		IsActive:     true,
	}, nil)
	repo.On("UpsertRate", ctx, mock.MatchedBy(func(r *domain.ExchangeRate) bool { return !r.IsActive })).Return(nil).Once()

	row, err := svc.Deactivate(ctx, domain.USD, domain.SLE)
	require.NoError(t, err)
	assert.False(t, row.IsActive)
	repo.AssertExpectations(t)
}

func TestHistory_ClampsLimit(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, logger.NewNop())

	repo.On("RateHistory", ctx, domain.USD, domain.SLE, defaultHistoryLimit).Return([]*domain.RateChange{}, nil).Twice()

	_, err := svc.History(ctx, domain.USD, domain.SLE, 0)
	require.NoError(t, err)
	_, err = svc.History(ctx, domain.USD, domain.SLE, 10000)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}
