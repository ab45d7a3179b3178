// Package exchange executes currency conversions between two accounts.
//
// ==============================================================================
// EXCHANGE TRANSACTION PROCESSOR - internal/exchange/processor.go
// ==============================================================================
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/rates"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
)

// TransactionRepository stores transaction records keyed by caller reference.
// CreateTransaction fails with ErrDuplicateReference when the reference is taken.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
}

// Repository adds exchange permissions to the transaction store. A user type
// with no permission row is denied.
type Repository interface {
	TransactionRepository
	GetPermission(ctx context.Context, userType domain.UserType) (*domain.ExchangePermission, error)
	UpsertPermission(ctx context.Context, perm *domain.ExchangePermission) error
	ListPermissions(ctx context.Context) ([]*domain.ExchangePermission, error)
}

type RateResolver interface {
	Resolve(ctx context.Context, from, to domain.Currency) (*rates.EffectiveRate, error)
}

type LimitReserver interface {
	CheckAndReserve(ctx context.Context, req limits.ReserveRequest) (*domain.Reservation, error)
	Release(ctx context.Context, id uuid.UUID) error
}

type Ledger interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	Post(ctx context.Context, posting *ledger.Posting) error
}

// Request is a conversion of Amount from the source account's currency into
// the destination account's currency.
type Request struct {
	Reference     string
	FromAccountID uuid.UUID
	ToAccountID   uuid.UUID
	Amount        decimal.Decimal
}

// Quote is a read-only preview of an exchange.
type Quote struct {
	FromCurrency      domain.Currency      `json:"from_currency"`
	ToCurrency        domain.Currency      `json:"to_currency"`
	FromAmount        decimal.Decimal      `json:"from_amount"`
	ToAmount          decimal.Decimal      `json:"to_amount"`
	FeeAmount         decimal.Decimal      `json:"fee_amount"`
	TotalDebit        decimal.Decimal      `json:"total_debit"`
	Rate              *rates.EffectiveRate `json:"rate"`
	PermissionVersion int64                `json:"permission_version"`
}

type Processor struct {
	repo     Repository
	rates    RateResolver
	limits   LimitReserver
	fees     *fees.Service
	ledger   Ledger
	logger   logger.Logger
	metrics  *metrics.Collector
	scale    int32
	location *time.Location
}

func NewProcessor(
	repo Repository,
	rateResolver RateResolver,
	limitReserver LimitReserver,
	feeService *fees.Service,
	ledgerStore Ledger,
	scale int32,
	defaultLocation *time.Location,
	m *metrics.Collector,
	log logger.Logger,
) *Processor {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	return &Processor{
		repo:     repo,
		rates:    rateResolver,
		limits:   limitReserver,
		fees:     feeService,
		ledger:   ledgerStore,
		logger:   log,
		metrics:  m,
		scale:    scale,
		location: defaultLocation,
	}
}

// Quote runs the rate, permission and fee steps without reserving or posting.
func (p *Processor) Quote(ctx context.Context, userType domain.UserType, from, to domain.Currency, amount decimal.Decimal) (*Quote, error) {
	if !amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	rate, err := p.rates.Resolve(ctx, from, to)
	if err != nil {
		return nil, err
	}
	perm, err := p.permit(ctx, userType, amount)
	if err != nil {
		return nil, err
	}
	fee := p.fees.Apply(perm.FeeRule(), amount, from)
	return &Quote{
		FromCurrency:      from,
		ToCurrency:        to,
		FromAmount:        amount,
		ToAmount:          domain.RoundMoney(rate.Convert(amount), p.scale),
		FeeAmount:         fee.Amount,
		TotalDebit:        amount.Add(fee.Amount),
		Rate:              rate,
		PermissionVersion: perm.Version,
	}, nil
}

// Execute converts req.Amount. The reference is claimed by a pending record
// before any check runs; a repeated reference returns the stored terminal
// record and its original error, and never moves money twice.
func (p *Processor) Execute(ctx context.Context, req Request) (*domain.Transaction, error) {
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}

	if existing, err := p.repo.GetTransactionByReference(ctx, req.Reference); err == nil {
		return Replay(existing)
	} else if !errors.Is(err, errors.ErrTransactionNotFound) {
		return nil, errors.Wrap(err, "failed to look up reference")
	}

	source, err := p.ledger.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	dest, err := p.ledger.GetAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:              uuid.New(),
		Reference:       req.Reference,
		Kind:            domain.TransactionKindExchange,
		TransactionType: domain.TransactionTypeExchange,
		UserType:        source.UserType,
		FromAccountID:   source.ID,
		ToAccountID:     dest.ID,
		FromAmount:      req.Amount,
		FromCurrency:    source.Currency,
		ToCurrency:      dest.Currency,
		Status:          domain.TransactionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, errors.ErrDuplicateReference) {
			existing, getErr := p.repo.GetTransactionByReference(ctx, req.Reference)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "failed to load duplicate reference")
			}
			return Replay(existing)
		}
		return nil, errors.Wrap(err, "failed to create transaction")
	}

	if err := p.run(ctx, tx, source, dest); err != nil {
		return p.fail(ctx, tx, err)
	}
	return tx, nil
}

func (p *Processor) run(ctx context.Context, tx *domain.Transaction, source, dest *domain.Account) error {
	if source.ID == dest.ID {
		return errors.Wrap(errors.ErrInvalidRequest, "source and destination must differ")
	}

	// 1. rate
	rate, err := p.rates.Resolve(ctx, source.Currency, dest.Currency)
	if err != nil {
		return err
	}

	// 2. permission
	perm, err := p.permit(ctx, source.UserType, tx.FromAmount)
	if err != nil {
		return err
	}

	// 3. limits
	res, err := p.limits.CheckAndReserve(ctx, limits.ReserveRequest{
		AccountID: source.ID,
		Scope:     domain.ExchangeScope(source.Currency),
		Amount:    tx.FromAmount,
		Caps:      perm.Caps(),
		At:        tx.CreatedAt,
		Location:  source.Location(p.location),
	})
	if err != nil {
		return err
	}
	tx.ReservationID = &res.ID

	// 4-5. fee, converted amount and the single posting
	fee := p.fees.Apply(perm.FeeRule(), tx.FromAmount, source.Currency)
	tx.FeeAmount = fee.Amount
	tx.ExchangeRate = rate.Effective
	tx.ToAmount = domain.RoundMoney(rate.Convert(tx.FromAmount), p.scale)

	err = p.ledger.Post(ctx, &ledger.Posting{
		TransactionID:  tx.ID,
		ReservationIDs: []uuid.UUID{res.ID},
		Entries: []ledger.Entry{
			ledger.Debit(source.ID, tx.FromAmount.Add(tx.FeeAmount), source.Currency),
			ledger.Credit(dest.ID, tx.ToAmount, dest.Currency),
		},
	})
	if err != nil {
		// 6. compensate
		return Compensate(ctx, p.limits, res.ID, err, p.metrics, p.logger)
	}

	// 7. freeze
	if err := tx.Complete(time.Now().UTC()); err != nil {
		return err
	}
	// Money has moved and the reservation is committed; the record must not be marked failed.
	if !RecordCompletion(ctx, p.repo, tx, p.logger) {
		return nil
	}

	p.logger.Info("Exchange completed", map[string]interface{}{
		"reference":     tx.Reference,
		"from_currency": tx.FromCurrency,
		"to_currency":   tx.ToCurrency,
		"from_amount":   tx.FromAmount.String(),
		"to_amount":     tx.ToAmount.String(),
		"fee":           tx.FeeAmount.String(),
		"rate":          tx.ExchangeRate.String(),
	})
	return nil
}

func (p *Processor) permit(ctx context.Context, userType domain.UserType, amount decimal.Decimal) (*domain.ExchangePermission, error) {
	perm, err := p.repo.GetPermission(ctx, userType)
	if err != nil {
		return nil, err
	}
	if !perm.CanExchange {
		return nil, errors.Wrap(errors.ErrPermissionDenied, "user type may not exchange")
	}
	if !perm.InRange(amount) {
		return nil, errors.ErrAmountOutOfRange
	}
	return perm, nil
}

func (p *Processor) fail(ctx context.Context, tx *domain.Transaction, cause error) (*domain.Transaction, error) {
	if err := tx.Fail(cause, time.Now().UTC()); err != nil {
		return tx, cause
	}
	if err := p.repo.UpdateTransaction(ctx, tx); err != nil {
		p.logger.Error("Failed to record failed exchange", map[string]interface{}{
			"reference": tx.Reference,
			"error":     err.Error(),
		})
	}

	fields := map[string]interface{}{
		"reference": tx.Reference,
		"code":      tx.FailureCode,
		"reason":    cause.Error(),
	}
	if errors.Classify(cause) == errors.KindPolicy {
		p.logger.Info("Exchange declined", fields)
	} else {
		p.logger.Warn("Exchange failed", fields)
	}
	return tx, cause
}

// Replay returns the outcome a stored transaction ended with. A record that is
// still pending belongs to a request in flight.
func Replay(tx *domain.Transaction) (*domain.Transaction, error) {
	switch tx.Status {
	case domain.TransactionStatusPending:
		return nil, errors.ErrRequestInProgress
	case domain.TransactionStatusFailed:
		return tx, tx.Err()
	}
	return tx, nil
}

// Compensate releases a reservation after a failed downstream step. If the
// release itself fails the reservation is stuck: that is logged for an
// operator and reported as ErrReleaseFailed alongside cause.
func Compensate(ctx context.Context, l LimitReserver, reservationID uuid.UUID, cause error, m *metrics.Collector, log logger.Logger) error {
	releaseErr := l.Release(ctx, reservationID)
	if releaseErr == nil {
		return cause
	}
	m.RecordStuckReservation()
	log.Error("Reservation release failed", map[string]interface{}{
		"reservation_id": reservationID,
		"cause":          cause.Error(),
		"error":          releaseErr.Error(),
		"alert":          true,
	})
	return errors.Join(cause, errors.ErrReleaseFailed)
}

// completionAttempts bounds the rewrites of a completed record.
const completionAttempts = 3

// RecordCompletion stores tx after its posting went through, retrying on a
// context that outlives the request. It reports whether the record was
// written. A record still pending after that replays as in progress until an
// operator reconciles it against the transaction's ledger entries.
func RecordCompletion(ctx context.Context, repo TransactionRepository, tx *domain.Transaction, log logger.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < completionAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err = repo.UpdateTransaction(ctx, tx); err == nil {
			return true
		}
		if errors.Is(err, errors.ErrInvalidTransition) {
			break
		}
	}
	log.Error("Failed to record completed transaction", map[string]interface{}{
		"reference":      tx.Reference,
		"transaction_id": tx.ID,
		"error":          err.Error(),
		"alert":          true,
		"action":         "reconcile record against ledger_entries",
	})
	return false
}

// SetPermission validates and stores the exchange permission for a user type.
func (p *Processor) SetPermission(ctx context.Context, perm *domain.ExchangePermission) (*domain.ExchangePermission, error) {
	if err := perm.Validate(); err != nil {
		return nil, err
	}
	perm.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpsertPermission(ctx, perm); err != nil {
		return nil, errors.Wrap(err, "failed to store exchange permission")
	}
	p.logger.Info("Exchange permission updated", map[string]interface{}{
		"user_type": perm.UserType,
		"version":   perm.Version,
	})
	return perm, nil
}

func (p *Processor) Permission(ctx context.Context, userType domain.UserType) (*domain.ExchangePermission, error) {
	return p.repo.GetPermission(ctx, userType)
}

func (p *Processor) ListPermissions(ctx context.Context) ([]*domain.ExchangePermission, error) {
	return p.repo.ListPermissions(ctx)
}

func (p *Processor) Transaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return p.repo.GetTransactionByReference(ctx, reference)
}
