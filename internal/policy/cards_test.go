package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/repository/memory"
	"moneypolicy/pkg/errors"
)

func (e *env) issue(t *testing.T, accountID uuid.UUID, program *domain.CardProgram) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	p, err := e.cards.SetProgram(ctx, program)
	require.NoError(t, err)
	card, err := e.cards.Issue(ctx, accountID, p.ID)
	require.NoError(t, err)
	return card.ID
}

func waived(features ...domain.Feature) *domain.CardProgram {
	return &domain.CardProgram{
		Name:     "test",
		Features: domain.NewFeatureSet(append(features, domain.FeeWaiver{})...),
	}
}

func TestAuthorize_OverdraftBoundary(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "1000")

	ok := e.account(t, domain.UserTypeUser, domain.SLE, "10")
	okCard := e.issue(t, ok, waived(domain.Overdraft{Limit: dec("5")}))
	auth, err := e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-1", CardID: okCard, Amount: dec("15")})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproveWithOverdraft, auth.Outcome)
	assert.True(t, dec("5").Equal(auth.Shortfall))
	assert.True(t, dec("-5").Equal(e.balance(t, ok)))

	short := e.account(t, domain.UserTypeUser, domain.SLE, "10")
	shortCard := e.issue(t, short, waived(domain.Overdraft{Limit: dec("4")}))
	auth, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-2", CardID: shortCard, Amount: dec("15")})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
	assert.Equal(t, domain.AuthorizationDeclined, auth.Status)
	assert.True(t, dec("10").Equal(e.balance(t, short)))

	// the decline replays for the same reference
	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-2", CardID: shortCard, Amount: dec("15")})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
}

func TestAuthorize_ConcurrentOverdraftNeverExceedsLimit(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "1000")
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "10")
	card := e.issue(t, acct, waived(domain.Overdraft{Limit: dec("5")}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: uuid.NewString(), CardID: card, Amount: dec("3")})
		}(i)
	}
	wg.Wait()

	// 10 + 5 of overdraft allows five charges of 3
	assert.True(t, dec("-5").Equal(e.balance(t, acct)))
	usage, err := e.svc.LimitUsage(ctx, acct, "")
	require.NoError(t, err)
	assert.True(t, dec("15").Equal(usage.DailyUsed))
}

func TestAuthorize_Installment(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "1000")
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "0")
	card := e.issue(t, acct, waived(domain.BuyNowPayLater{MaxAmount: dec("300"), InterestRate: dec("10")}))

	auth, err := e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-bnpl", CardID: card, Amount: dec("200"), Installment: true})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproveAsInstallment, auth.Outcome)
	assert.True(t, dec("220").Equal(auth.TotalRepayable))
	assert.True(t, e.balance(t, acct).IsZero())

	res, err := e.store.GetReservation(ctx, *auth.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, res.Status)

	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-bnpl-2", CardID: card, Amount: dec("301"), Installment: true})
	assert.ErrorIs(t, err, errors.ErrAmountOutOfRange)
}

func TestSettle_CreditsCashbackOnce(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "1000")
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "100")
	card := e.issue(t, acct, waived(domain.Cashback{Percentage: dec("2")}))

	auth, err := e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-cb", CardID: card, Amount: dec("50")})
	require.NoError(t, err)
	assert.True(t, dec("1").Equal(auth.Cashback))
	// never credited before settlement
	assert.True(t, dec("50").Equal(e.balance(t, acct)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.SettleCardTransaction(ctx, "c-cb")
		}()
	}
	wg.Wait()

	assert.True(t, dec("51").Equal(e.balance(t, acct)))
	settled, err := e.svc.SettleCardTransaction(ctx, "c-cb")
	require.NoError(t, err)
	assert.Equal(t, domain.AuthorizationSettled, settled.Status)
	assert.True(t, settled.CashbackCredited)
}

// flakyCredits fails the next n postings that carry no reservation.
type flakyCredits struct {
	*memory.Store
	failures int32
}

func (f *flakyCredits) Post(ctx context.Context, posting *ledger.Posting) error {
	if len(posting.ReservationIDs) == 0 && atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Store.Post(ctx, posting)
}

func TestSettle_RetriesFailedCashbackCredit(t *testing.T) {
	e := newEnvWithLedger(t, fees.MissingBlock, func(s *memory.Store) ledger.Store {
		return &flakyCredits{Store: s, failures: 1}
	})
	ctx := context.Background()
	e.transferLimit(t, "1000")
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "100")
	card := e.issue(t, acct, waived(domain.Cashback{Percentage: dec("2")}))

	_, err := e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-cb-retry", CardID: card, Amount: dec("50")})
	require.NoError(t, err)

	auth, err := e.svc.SettleCardTransaction(ctx, "c-cb-retry")
	require.Error(t, err)
	assert.Equal(t, domain.AuthorizationSettled, auth.Status)
	assert.False(t, auth.CashbackCredited)
	assert.True(t, dec("50").Equal(e.balance(t, acct)))

	auth, err = e.svc.SettleCardTransaction(ctx, "c-cb-retry")
	require.NoError(t, err)
	assert.True(t, auth.CashbackCredited)
	assert.True(t, dec("51").Equal(e.balance(t, acct)))

	// a third settle does not credit again
	_, err = e.svc.SettleCardTransaction(ctx, "c-cb-retry")
	require.NoError(t, err)
	assert.True(t, dec("51").Equal(e.balance(t, acct)))

	stored, err := e.store.GetAuthorizationByReference(ctx, "c-cb-retry")
	require.NoError(t, err)
	assert.True(t, stored.CashbackCredited)
}

func TestAuthorize_FeesAndLimitSources(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "100")

	// no transfer limit row, but a high-limit program brings its own caps
	high := e.issue(t, acct, &domain.CardProgram{
		Name:                     "business",
		Features:                 domain.NewFeatureSet(domain.HighLimit{Daily: domain.Dec(dec("20"))}),
		TransactionFeePercentage: dec("1"),
		TransactionFeeFixed:      dec("0.50"),
	})
	auth, err := e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-high", CardID: high, Amount: dec("10")})
	require.NoError(t, err)
	assert.True(t, dec("0.60").Equal(auth.FeeAmount))
	assert.True(t, dec("89.40").Equal(e.balance(t, acct)))

	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-high-2", CardID: high, Amount: dec("11")})
	assert.ErrorIs(t, err, errors.ErrLimitExceeded)

	// without its own fee or a waiver the card_payment row applies, and it is missing
	plain := e.issue(t, acct, &domain.CardProgram{Name: "plain", Features: domain.NewFeatureSet(domain.HighLimit{})})
	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-plain", CardID: plain, Amount: dec("1")})
	assert.ErrorIs(t, err, errors.ErrFeeConfigMissing)

	// a standard program needs the transfer limit row
	standard := e.issue(t, acct, waived())
	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-std", CardID: standard, Amount: dec("1")})
	assert.ErrorIs(t, err, errors.ErrLimitNotConfigured)
}

func TestAuthorize_TermsAreFrozenUntilReapply(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "1000")
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "10")

	program, err := e.cards.SetProgram(ctx, waived(domain.Overdraft{Limit: dec("50")}))
	require.NoError(t, err)
	card, err := e.cards.Issue(ctx, acct, program.ID)
	require.NoError(t, err)

	program.Features = domain.NewFeatureSet(domain.FeeWaiver{})
	_, err = e.cards.SetProgram(ctx, program)
	require.NoError(t, err)

	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-frozen", CardID: card.ID, Amount: dec("20")})
	require.NoError(t, err, "issued card keeps its overdraft")

	_, err = e.cards.Reapply(ctx, card.ID)
	require.NoError(t, err)
	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-reapplied", CardID: card.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
}

func TestAuthorize_SharesTransferWindow(t *testing.T) {
	e := newEnv(t, fees.MissingBlock)
	ctx := context.Background()
	e.transferLimit(t, "30")
	e.transferFee(t)
	acct := e.account(t, domain.UserTypeUser, domain.SLE, "100")
	other := e.account(t, domain.UserTypeUser, domain.SLE, "0")
	card := e.issue(t, acct, waived())

	_, err := e.svc.ExecuteTransfer(ctx, TransferRequest{Reference: "tr-shared", FromAccountID: acct, ToAccountID: other, Amount: dec("20")})
	require.NoError(t, err)
	_, err = e.svc.AuthorizeCardTransaction(ctx, CardRequest{Reference: "c-shared", CardID: card, Amount: dec("11")})
	assert.ErrorIs(t, err, errors.ErrLimitExceeded)
}
