package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/cards"
	"moneypolicy/internal/domain"
	"moneypolicy/internal/exchange"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/policy"
	"moneypolicy/internal/rates"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/pkg/errors"
)

var (
	_ rates.Repository               = (*memory.Store)(nil)
	_ fees.Repository                = (*memory.Store)(nil)
	_ limits.Repository              = (*memory.Store)(nil)
	_ cards.Repository               = (*memory.Store)(nil)
	_ ledger.Store                   = (*memory.Store)(nil)
	_ exchange.Repository            = (*memory.Store)(nil)
	_ policy.AuthorizationRepository = (*memory.Store)(nil)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(t *testing.T, s *memory.Store, balance string) *domain.Account {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), UserType: domain.UserTypeUser, Currency: domain.SLE, Balance: d(balance)}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestStore_PostRollsBackEveryEntry(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	from := account(t, s, "10")
	to := account(t, s, "0")

	err := s.Post(ctx, &ledger.Posting{
		TransactionID: uuid.New(),
		Entries: []ledger.Entry{
			ledger.Credit(to.ID, d("15"), domain.SLE),
			ledger.Debit(from.ID, d("15"), domain.SLE),
		},
	})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	got, err := s.GetAccount(ctx, to.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())

	overdraft := ledger.Debit(from.ID, d("15"), domain.SLE)
	overdraft.Floor = d("-5")
	txID := uuid.New()
	require.NoError(t, s.Post(ctx, &ledger.Posting{TransactionID: txID, Entries: []ledger.Entry{overdraft}}))

	entries, err := s.Entries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, d("-5").Equal(entries[0].BalanceAfter))
}

func TestStore_PostCommitsReservation(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	a := account(t, s, "10")

	res := &domain.Reservation{ID: uuid.New(), AccountID: a.ID, Scope: domain.TransferScope(domain.SLE),
		Amount: d("4"), DailyKey: "2026-01-01", MonthlyKey: "2026-01", Status: domain.ReservationReserved}
	require.NoError(t, s.Reserve(ctx, res, []domain.WindowCap{
		{Class: domain.LimitClassDaily, PeriodKey: res.DailyKey},
		{Class: domain.LimitClassMonthly, PeriodKey: res.MonthlyKey},
	}))

	require.NoError(t, s.Post(ctx, &ledger.Posting{
		TransactionID:  uuid.New(),
		ReservationIDs: []uuid.UUID{res.ID},
		Entries:        []ledger.Entry{ledger.Debit(a.ID, d("4"), domain.SLE)},
	}))

	got, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, got.Status)

	_, err = s.ReleaseReservation(ctx, res.ID)
	assert.ErrorIs(t, err, errors.ErrReservationClosed)
}

func TestStore_PostRefusesCurrencyMismatch(t *testing.T) {
	s := memory.NewStore()
	a := account(t, s, "10")
	err := s.Post(context.Background(), &ledger.Posting{
		TransactionID: uuid.New(),
		Entries:       []ledger.Entry{ledger.Credit(a.ID, d("1"), domain.USD)},
	})
	assert.ErrorIs(t, err, errors.ErrCurrencyMismatch)
}

func TestStore_RateUpsertKeepsIdentity(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &domain.ExchangeRate{ID: uuid.New(), FromCurrency: domain.USD, ToCurrency: domain.SLE, Rate: d("22.5"), UpdatedAt: now, CreatedAt: now}
	require.NoError(t, s.UpsertRate(ctx, first))
	second := &domain.ExchangeRate{ID: uuid.New(), FromCurrency: domain.USD, ToCurrency: domain.SLE, Rate: d("23"), UpdatedAt: now.Add(time.Minute)}
	require.NoError(t, s.UpsertRate(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.Version)

	history, err := s.RateHistory(ctx, domain.USD, domain.SLE, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, d("23").Equal(history[0].Rate))
}

func TestStore_AuthorizationCompareAndSet(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	auth := &domain.CardAuthorization{ID: uuid.New(), Reference: "card-1", Status: domain.AuthorizationPending}
	require.NoError(t, s.CreateAuthorization(ctx, auth))
	assert.ErrorIs(t, s.CreateAuthorization(ctx, auth), errors.ErrDuplicateReference)

	auth.Status = domain.AuthorizationAuthorized
	require.NoError(t, s.UpdateAuthorization(ctx, auth, domain.AuthorizationPending))
	assert.ErrorIs(t, s.UpdateAuthorization(ctx, auth, domain.AuthorizationPending), errors.ErrInvalidTransition)

	// cashback can only be claimed on a settled row, once
	assert.ErrorIs(t, s.SetCashbackCredited(ctx, "card-1", true), errors.ErrInvalidTransition)
	auth.Status = domain.AuthorizationSettled
	require.NoError(t, s.UpdateAuthorization(ctx, auth, domain.AuthorizationAuthorized))
	require.NoError(t, s.SetCashbackCredited(ctx, "card-1", true))
	assert.ErrorIs(t, s.SetCashbackCredited(ctx, "card-1", true), errors.ErrInvalidTransition)
	require.NoError(t, s.SetCashbackCredited(ctx, "card-1", false))
	assert.ErrorIs(t, s.SetCashbackCredited(ctx, "missing", true), errors.ErrAuthorizationNotFound)
}
