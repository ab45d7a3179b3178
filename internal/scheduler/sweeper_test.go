package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/internal/scheduler"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
)

type MockReleaser struct {
	mock.Mock
}

func (m *MockReleaser) ReleaseStale(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	args := m.Called(ctx, maxAge, batch)
	return args.Int(0), args.Error(1)
}

func TestSweeper_ReleasesOnlyStaleReservations(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	accountID := uuid.New()
	require.NoError(t, store.CreateAccount(ctx, &domain.Account{ID: accountID, UserType: domain.UserTypeUser, Currency: domain.SLE}))

	reserve := func(age time.Duration) uuid.UUID {
		created := time.Now().UTC().Add(-age)
		res := &domain.Reservation{
			ID: uuid.New(), AccountID: accountID, Scope: domain.TransferScope(domain.SLE),
			Amount: decimal.NewFromInt(10), DailyKey: "2026-01-01", MonthlyKey: "2026-01",
			Status: domain.ReservationReserved, CreatedAt: created, UpdatedAt: created,
		}
		require.NoError(t, store.Reserve(ctx, res, []domain.WindowCap{
			{Class: domain.LimitClassDaily, PeriodKey: res.DailyKey},
			{Class: domain.LimitClassMonthly, PeriodKey: res.MonthlyKey},
		}))
		return res.ID
	}
	old := reserve(time.Hour)
	fresh := reserve(time.Second)
	committed := reserve(2 * time.Hour)
	_, err := store.CommitReservation(ctx, committed)
	require.NoError(t, err)

	svc := limits.NewService(store, time.UTC, metrics.NewCollector(), logger.NewNop())
	sweeper := scheduler.NewSweeper(svc, 15*time.Minute, time.Minute, logger.NewNop())

	assert.Equal(t, 1, sweeper.SweepOnce(ctx))

	got, err := store.GetReservation(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, got.Status)
	got, err = store.GetReservation(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReserved, got.Status)

	used, err := store.GetUsage(ctx, accountID, domain.TransferScope(domain.SLE), "2026-01-01")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(used), used.String())

	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
}

func TestSweeper_LoopsUntilShortBatch(t *testing.T) {
	m := new(MockReleaser)
	m.On("ReleaseStale", mock.Anything, time.Minute, 500).Return(500, nil).Once()
	m.On("ReleaseStale", mock.Anything, time.Minute, 500).Return(3, nil).Once()

	sweeper := scheduler.NewSweeper(m, time.Minute, time.Hour, logger.NewNop())
	assert.Equal(t, 503, sweeper.SweepOnce(context.Background()))
	m.AssertExpectations(t)
}

func TestSweeper_StopsOnError(t *testing.T) {
	m := new(MockReleaser)
	m.On("ReleaseStale", mock.Anything, time.Minute, 500).Return(2, errors.ErrReleaseFailed).Once()

	sweeper := scheduler.NewSweeper(m, time.Minute, time.Hour, logger.NewNop())
	assert.Equal(t, 2, sweeper.SweepOnce(context.Background()))
	m.AssertExpectations(t)
}

func TestSweeper_StartStop(t *testing.T) {
	m := new(MockReleaser)
	m.On("ReleaseStale", mock.Anything, time.Minute, 500).Return(0, nil)

	sweeper := scheduler.NewSweeper(m, time.Minute, 10*time.Millisecond, logger.NewNop())
	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()

	m.AssertCalled(t, "ReleaseStale", mock.Anything, time.Minute, 500)
}
