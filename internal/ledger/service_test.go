package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *MockStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *MockStore) Post(ctx context.Context, posting *ledger.Posting) error {
	return m.Called(ctx, posting).Error(0)
}

func (m *MockStore) Entries(ctx context.Context, transactionID uuid.UUID) ([]*domain.LedgerEntry, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).([]*domain.LedgerEntry), args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpenAccount(t *testing.T) {
	svc := ledger.NewService(memory.NewStore(), logger.NewNop())
	ctx := context.Background()

	acc, err := svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: "sle", Balance: d("10")})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, acc.ID)
	assert.Equal(t, domain.SLE, acc.Currency)
	assert.False(t, acc.CreatedAt.IsZero())

	_, err = svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: "SLEONE"})
	assert.ErrorIs(t, err, errors.ErrInvalidAccount)

	_, err = svc.OpenAccount(ctx, &domain.Account{UserType: "robot", Currency: domain.USD})
	assert.ErrorIs(t, err, errors.ErrInvalidAccount)

	_, err = svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: domain.USD, Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, errors.ErrInvalidAccount)
}

func TestPost_MovesFundsAndWritesEntries(t *testing.T) {
	svc := ledger.NewService(memory.NewStore(), logger.NewNop())
	ctx := context.Background()
	from, err := svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: domain.SLE, Balance: d("100")})
	require.NoError(t, err)
	to, err := svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: domain.SLE})
	require.NoError(t, err)

	txID := uuid.New()
	err = svc.Post(ctx, &ledger.Posting{
		TransactionID: txID,
		Entries: []ledger.Entry{
			ledger.Debit(from.ID, d("40"), domain.SLE),
			ledger.Credit(to.ID, d("40"), domain.SLE),
			ledger.Debit(from.ID, decimal.Zero, domain.SLE),
		},
	})
	require.NoError(t, err)

	got, err := svc.GetAccount(ctx, from.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("60")))

	entries, err := svc.Entries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].BalanceAfter.Equal(d("60")))
	assert.True(t, entries[1].BalanceAfter.Equal(d("40")))
}

func TestPost_RespectsFloor(t *testing.T) {
	svc := ledger.NewService(memory.NewStore(), logger.NewNop())
	ctx := context.Background()
	acc, err := svc.OpenAccount(ctx, &domain.Account{UserType: domain.UserTypeUser, Currency: domain.SLE, Balance: d("10")})
	require.NoError(t, err)

	overdraft := ledger.Debit(acc.ID, d("15"), domain.SLE)
	overdraft.Floor = d("-5")
	require.NoError(t, svc.Post(ctx, &ledger.Posting{TransactionID: uuid.New(), Entries: []ledger.Entry{overdraft}}))

	err = svc.Post(ctx, &ledger.Posting{
		TransactionID: uuid.New(),
		Entries:       []ledger.Entry{ledger.Debit(acc.ID, d("1"), domain.SLE)},
	})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	got, err := svc.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("-5")))
}

func TestPost_RejectsNegativeAmount(t *testing.T) {
	store := new(MockStore)
	svc := ledger.NewService(store, logger.NewNop())

	err := svc.Post(context.Background(), &ledger.Posting{
		TransactionID: uuid.New(),
		Entries:       []ledger.Entry{ledger.Credit(uuid.New(), d("-1"), domain.SLE)},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
	store.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
}

func TestPost_WrapsStoreFailure(t *testing.T) {
	store := new(MockStore)
	svc := ledger.NewService(store, logger.NewNop())
	store.On("Post", mock.Anything, mock.Anything).Return(errors.ErrAccountNotFound)

	err := svc.Post(context.Background(), &ledger.Posting{
		TransactionID: uuid.New(),
		Entries:       []ledger.Entry{ledger.Credit(uuid.New(), d("1"), domain.SLE)},
	})
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
	assert.Contains(t, err.Error(), "failed to post ledger entries")
	store.AssertExpectations(t)
}
