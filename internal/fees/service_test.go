package fees

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

func (m *MockRepository) GetFeeConfig(ctx context.Context, txType domain.TransactionType, currency domain.Currency) (*domain.FeeConfig, error) {
	args := m.Called(ctx, txType, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FeeConfig), args.Error(1)
}

func (m *MockRepository) UpsertFeeConfig(ctx context.Context, cfg *domain.FeeConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockRepository) ListFeeConfigs(ctx context.Context) ([]*domain.FeeConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.FeeConfig), args.Error(1)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute(t *testing.T) {
	rule := domain.FeeRule{Percentage: dec("1"), Minimum: dec("0.10"), Maximum: domain.Dec(dec("50"))}

	tests := []struct {
		name   string
		amount string
		want   string
	}{
		{"percentage", "100", "1.00"},
		{"minimum applies", "5", "0.10"},
		{"maximum applies", "10000", "50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(rule, dec(tt.amount))
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
		})
	}

	withFlat := rule
	withFlat.Flat = dec("0.25")
	assert.True(t, dec("1.25").Equal(Compute(withFlat, dec("100"))))

	assert.True(t, Compute(domain.FeeRule{}, dec("100")).IsZero())
}

func TestCompute_Monotonic(t *testing.T) {
	rule := domain.FeeRule{Percentage: dec("2.5"), Minimum: dec("1"), Maximum: domain.Dec(dec("30")), Flat: dec("0.5")}
	prev := decimal.Zero
	for a := int64(1); a <= 5000; a += 7 {
		fee := Compute(rule, decimal.NewFromInt(a))
		assert.True(t, fee.GreaterThanOrEqual(prev), "fee dropped at %d", a)
		assert.False(t, fee.IsNegative())
		prev = fee
	}
}

func TestComputeFee(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, 2, MissingBlock, logger.NewNop())

	repo.On("GetFeeConfig", ctx, domain.TransactionTypeTransfer, domain.SLE).Return(&domain.FeeConfig{
		TransactionType: domain.TransactionTypeTransfer,
		Currency:        domain.SLE,
		Percentage:      dec("1.5"),
		MinimumFee:      dec("0.10"),
		IsActive:        true,
	}, nil)
	repo.On("GetFeeConfig", ctx, domain.TransactionTypeP2P, domain.SLE).Return(&domain.FeeConfig{IsActive: false}, nil)
	repo.On("GetFeeConfig", ctx, domain.TransactionTypeWithdrawal, domain.SLE).Return(nil, errors.ErrFeeConfigMissing)

	fee, err := svc.ComputeFee(ctx, dec("33.33"), domain.SLE, domain.TransactionTypeTransfer)
	require.NoError(t, err)
	assert.Equal(t, "0.5", fee.Amount.String())

	_, err = svc.ComputeFee(ctx, dec("10"), domain.SLE, domain.TransactionTypeP2P)
	assert.ErrorIs(t, err, errors.ErrFeeConfigMissing)

	_, err = svc.ComputeFee(ctx, dec("10"), domain.SLE, domain.TransactionTypeWithdrawal)
	assert.ErrorIs(t, err, errors.ErrFeeConfigMissing)

	_, err = svc.ComputeFee(ctx, decimal.Zero, domain.SLE, domain.TransactionTypeTransfer)
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
}

func TestComputeForMovement_MissingPolicy(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	repo.On("GetFeeConfig", ctx, domain.TransactionTypeTransfer, domain.USD).Return(nil, errors.ErrFeeConfigMissing)

	blocking := NewService(repo, 2, MissingBlock, logger.NewNop())
	_, err := blocking.ComputeForMovement(ctx, dec("10"), domain.USD, domain.TransactionTypeTransfer)
	assert.ErrorIs(t, err, errors.ErrFeeConfigMissing)

	waiving := NewService(repo, 2, MissingWaive, logger.NewNop())
	fee, err := waiving.ComputeForMovement(ctx, dec("10"), domain.USD, domain.TransactionTypeTransfer)
	require.NoError(t, err)
	assert.True(t, fee.Waived)
	assert.True(t, fee.Amount.IsZero())
}

func TestSetConfig(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(repo, 2, MissingBlock, logger.NewNop())

	repo.On("UpsertFeeConfig", ctx, mock.AnythingOfType("*domain.FeeConfig")).Return(nil).Once()

	cfg, err := svc.SetConfig(ctx, &domain.FeeConfig{
		TransactionType: domain.TransactionTypeTransfer,
		Currency:        "sle",
		Percentage:      dec("1"),
		MinimumFee:      dec("0.10"),
		IsActive:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SLE, cfg.Currency)

	_, err = svc.SetConfig(ctx, &domain.FeeConfig{
		TransactionType: domain.TransactionTypeTransfer,
		Currency:        domain.SLE,
		MinimumFee:      dec("5"),
		MaximumFee:      domain.Dec(dec("1")),
	})
	assert.ErrorIs(t, err, errors.ErrInvalidFeeConfig)
	repo.AssertExpectations(t)
}
