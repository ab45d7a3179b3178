package limits

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Service, *memory.Store, uuid.UUID) {
	t.Helper()
	store := memory.NewStore()
	accountID := uuid.New()
	require.NoError(t, store.CreateAccount(context.Background(), &domain.Account{
		ID:       accountID,
		UserType: domain.UserTypeUser,
		Currency: domain.SLE,
		Balance:  dec("1000"),
	}))
	return NewService(store, time.UTC, metrics.NewCollector(), logger.NewNop()), store, accountID
}

func TestCheckAndReserve_ConcurrentCap(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()

	caps := domain.LimitCaps{Daily: domain.Dec(dec("100"))}
	amount := dec("7")
	const workers = 50

	var ok int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.CheckAndReserve(ctx, ReserveRequest{
				AccountID: accountID,
				Scope:     domain.TransferScope(domain.SLE),
				Amount:    amount,
				Caps:      caps,
			})
			if err == nil {
				atomic.AddInt64(&ok, 1)
				return
			}
			assert.ErrorIs(t, err, errors.ErrLimitExceeded)
		}()
	}
	close(start)
	wg.Wait()

	// floor(100 / 7)
	assert.Equal(t, int64(14), ok)

	usage, err := svc.Usage(ctx, accountID, domain.TransferScope(domain.SLE), caps, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, dec("98").Equal(usage.DailyUsed))
	assert.True(t, dec("2").Equal(*usage.DailyLeft))
}

func TestCheckAndReserve_AllOrNothing(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()
	scope := domain.TransferScope(domain.SLE)
	caps := domain.LimitCaps{Daily: domain.Dec(dec("100")), Monthly: domain.Dec(dec("150"))}

	_, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("100"), Caps: caps})
	require.NoError(t, err)

	// daily is full; monthly must not move either
	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("10"), Caps: caps})
	var violation *domain.LimitViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, domain.LimitClassDaily, violation.Class)

	usage, err := svc.Usage(ctx, accountID, scope, caps, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(usage.MonthlyUsed))
}

func TestCheckAndReserve_SingleAmountChecks(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()
	caps := domain.LimitCaps{MinAmount: dec("5"), PerTransaction: domain.Dec(dec("50"))}

	_, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: "transfer:SLE", Amount: dec("4.99"), Caps: caps})
	assert.ErrorIs(t, err, errors.ErrAmountOutOfRange)

	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: "transfer:SLE", Amount: dec("50.01"), Caps: caps})
	assert.ErrorIs(t, err, errors.ErrLimitExceeded)

	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: "transfer:SLE", Amount: dec("50"), Caps: caps})
	assert.NoError(t, err)

	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: "transfer:SLE", Amount: decimal.Zero, Caps: caps})
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
}

func TestRelease(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()
	scope := domain.ExchangeScope(domain.USD)
	caps := domain.LimitCaps{Daily: domain.Dec(dec("100"))}

	res, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("60"), Caps: caps})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, res.ID))
	// second release is a no-op and does not give capacity back twice
	require.NoError(t, svc.Release(ctx, res.ID))

	usage, err := svc.Usage(ctx, accountID, scope, caps, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, usage.DailyUsed.IsZero())

	committed, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("30"), Caps: caps})
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, committed.ID))
	assert.ErrorIs(t, svc.Release(ctx, committed.ID), errors.ErrReservationClosed)

	assert.ErrorIs(t, svc.Release(ctx, uuid.New()), errors.ErrReservationNotFound)
}

func TestUnlimitedWindowsStillTrackUsage(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()
	scope := domain.TransferScope(domain.SLE)

	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("1000000"), Caps: domain.LimitCaps{}})
		require.NoError(t, err)
	}
	usage, err := svc.Usage(ctx, accountID, scope, domain.LimitCaps{}, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, dec("3000000").Equal(usage.MonthlyUsed))
	assert.Nil(t, usage.MonthlyLeft)
}

func TestPeriodRollover(t *testing.T) {
	svc, _, accountID := setup(t)
	ctx := context.Background()
	scope := domain.TransferScope(domain.SLE)
	caps := domain.LimitCaps{Daily: domain.Dec(dec("10"))}

	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	_, err := svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("10"), Caps: caps, At: day1})
	require.NoError(t, err)
	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("10"), Caps: caps, At: day1})
	assert.ErrorIs(t, err, errors.ErrLimitExceeded)
	_, err = svc.CheckAndReserve(ctx, ReserveRequest{AccountID: accountID, Scope: scope, Amount: dec("10"), Caps: caps, At: day2})
	assert.NoError(t, err)
}

func TestSetTransferLimit(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.SetTransferLimit(ctx, &domain.TransferLimit{
		UserType:            domain.UserTypeUser,
		Currency:            "sle",
		PerTransactionLimit: domain.Dec(dec("500")),
		DailyLimit:          domain.Dec(dec("100")),
		IsActive:            true,
	})
	assert.ErrorIs(t, err, errors.ErrInvalidLimitConfig)

	saved, err := svc.SetTransferLimit(ctx, &domain.TransferLimit{
		UserType:     domain.UserTypeUser,
		Currency:     "sle",
		DailyLimit:   domain.Dec(dec("100")),
		MonthlyLimit: domain.Dec(dec("1000")),
		IsActive:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err := svc.TransferLimit(ctx, domain.UserTypeUser, domain.SLE)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(*got.DailyLimit))

	_, err = svc.TransferLimit(ctx, domain.UserTypeMerchant, domain.SLE)
	assert.ErrorIs(t, err, errors.ErrLimitNotConfigured)
}
