// Package policy is the single entry point callers use to quote and execute
// transfers, exchanges and card transactions.
//
// ==============================================================================
// POLICY FACADE - internal/policy/service.go
// ==============================================================================
package policy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/cards"
	"moneypolicy/internal/domain"
	"moneypolicy/internal/exchange"
	"moneypolicy/internal/fees"
	"moneypolicy/internal/ledger"
	"moneypolicy/internal/limits"
	"moneypolicy/internal/rates"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
)

// AuthorizationRepository stores card authorizations keyed by reference.
// UpdateAuthorization only writes when the stored status equals expected.
// SetCashbackCredited flips cashback_credited of a settled row to credited and
// fails with ErrInvalidTransition when it already holds that value.
type AuthorizationRepository interface {
	CreateAuthorization(ctx context.Context, auth *domain.CardAuthorization) error
	GetAuthorizationByReference(ctx context.Context, reference string) (*domain.CardAuthorization, error)
	UpdateAuthorization(ctx context.Context, auth *domain.CardAuthorization, expected domain.AuthorizationStatus) error
	SetCashbackCredited(ctx context.Context, reference string, credited bool) error
}

// Dependencies wires the facade to its components.
type Dependencies struct {
	Rates          *rates.Service
	Fees           *fees.Service
	Limits         *limits.Service
	Cards          *cards.Service
	Exchange       *exchange.Processor
	Ledger         *ledger.Service
	Transactions   exchange.TransactionRepository
	Authorizations AuthorizationRepository
	Metrics        *metrics.Collector
	Logger         logger.Logger
	MoneyScale     int32
	Location       *time.Location
}

type Service struct {
	rates          *rates.Service
	fees           *fees.Service
	limits         *limits.Service
	cards          *cards.Service
	exchange       *exchange.Processor
	ledger         *ledger.Service
	transactions   exchange.TransactionRepository
	authorizations AuthorizationRepository
	metrics        *metrics.Collector
	logger         logger.Logger
	scale          int32
	location       *time.Location
}

func NewService(deps Dependencies) *Service {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		rates:          deps.Rates,
		fees:           deps.Fees,
		limits:         deps.Limits,
		cards:          deps.Cards,
		exchange:       deps.Exchange,
		ledger:         deps.Ledger,
		transactions:   deps.Transactions,
		authorizations: deps.Authorizations,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		scale:          deps.MoneyScale,
		location:       loc,
	}
}

type ExchangeQuoteRequest struct {
	UserType domain.UserType
	From     domain.Currency
	To       domain.Currency
	Amount   decimal.Decimal
}

// QuoteExchange previews an exchange without reserving or moving anything.
func (s *Service) QuoteExchange(ctx context.Context, req ExchangeQuoteRequest) (q *exchange.Quote, err error) {
	defer s.observe("quote_exchange", time.Now(), &err)
	return s.exchange.Quote(ctx, req.UserType, req.From, req.To, req.Amount)
}

type TransferQuoteRequest struct {
	AccountID       uuid.UUID
	Amount          decimal.Decimal
	TransactionType domain.TransactionType
}

// TransferQuote is what a transfer would cost and how much room the account has left.
type TransferQuote struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   domain.Currency `json:"currency"`
	Fee        *fees.Fee       `json:"fee"`
	TotalDebit decimal.Decimal `json:"total_debit"`
	Usage      *limits.Usage   `json:"usage"`
}

// QuoteTransfer previews fee and limit headroom for a transfer.
func (s *Service) QuoteTransfer(ctx context.Context, req TransferQuoteRequest) (q *TransferQuote, err error) {
	defer s.observe("quote_transfer", time.Now(), &err)

	if req.TransactionType == "" {
		req.TransactionType = domain.TransactionTypeTransfer
	}
	if !req.TransactionType.Transferable() {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "unsupported transaction type "+string(req.TransactionType))
	}
	account, err := s.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	limit, err := s.limits.TransferLimit(ctx, account.UserType, account.Currency)
	if err != nil {
		return nil, err
	}
	if err := limits.CheckAmount(limit.Caps(), req.Amount); err != nil {
		return nil, err
	}
	fee, err := s.fees.ComputeForMovement(ctx, req.Amount, account.Currency, req.TransactionType)
	if err != nil {
		return nil, err
	}
	usage, err := s.limits.Usage(ctx, account.ID, domain.TransferScope(account.Currency), limit.Caps(), time.Now(), account.Location(s.location))
	if err != nil {
		return nil, err
	}
	return &TransferQuote{
		Amount:     req.Amount,
		Currency:   account.Currency,
		Fee:        fee,
		TotalDebit: req.Amount.Add(fee.Amount),
		Usage:      usage,
	}, nil
}

type TransferRequest struct {
	Reference       string
	FromAccountID   uuid.UUID
	ToAccountID     uuid.UUID
	Amount          decimal.Decimal
	TransactionType domain.TransactionType
}

// ExecuteTransfer moves Amount between two accounts of the same currency,
// charging the configured fee to the sender. References are idempotent.
func (s *Service) ExecuteTransfer(ctx context.Context, req TransferRequest) (tx *domain.Transaction, err error) {
	defer s.observe("execute_transfer", time.Now(), &err)

	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	if req.TransactionType == "" {
		req.TransactionType = domain.TransactionTypeTransfer
	}
	if !req.TransactionType.Transferable() {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "unsupported transaction type "+string(req.TransactionType))
	}

	if existing, err := s.transactions.GetTransactionByReference(ctx, req.Reference); err == nil {
		return exchange.Replay(existing)
	} else if !errors.Is(err, errors.ErrTransactionNotFound) {
		return nil, errors.Wrap(err, "failed to look up reference")
	}

	source, err := s.ledger.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	dest, err := s.ledger.GetAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx = &domain.Transaction{
		ID:              uuid.New(),
		Reference:       req.Reference,
		Kind:            domain.TransactionKindTransfer,
		TransactionType: req.TransactionType,
		UserType:        source.UserType,
		FromAccountID:   source.ID,
		ToAccountID:     dest.ID,
		FromAmount:      req.Amount,
		FromCurrency:    source.Currency,
		ToAmount:        req.Amount,
		ToCurrency:      dest.Currency,
		ExchangeRate:    decimal.NewFromInt(1),
		Status:          domain.TransactionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.transactions.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, errors.ErrDuplicateReference) {
			existing, getErr := s.transactions.GetTransactionByReference(ctx, req.Reference)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "failed to load duplicate reference")
			}
			return exchange.Replay(existing)
		}
		return nil, errors.Wrap(err, "failed to create transaction")
	}

	if err := s.transfer(ctx, tx, source, dest); err != nil {
		return s.failTransaction(ctx, tx, err)
	}
	return tx, nil
}

func (s *Service) transfer(ctx context.Context, tx *domain.Transaction, source, dest *domain.Account) error {
	if source.ID == dest.ID {
		return errors.Wrap(errors.ErrInvalidRequest, "source and destination must differ")
	}
	if source.Currency != dest.Currency {
		return errors.ErrCurrencyMismatch
	}

	limit, err := s.limits.TransferLimit(ctx, source.UserType, source.Currency)
	if err != nil {
		return err
	}
	fee, err := s.fees.ComputeForMovement(ctx, tx.FromAmount, source.Currency, tx.TransactionType)
	if err != nil {
		return err
	}
	tx.FeeAmount = fee.Amount

	res, err := s.limits.CheckAndReserve(ctx, limits.ReserveRequest{
		AccountID: source.ID,
		Scope:     domain.TransferScope(source.Currency),
		Amount:    tx.FromAmount,
		Caps:      limit.Caps(),
		At:        tx.CreatedAt,
		Location:  source.Location(s.location),
	})
	if err != nil {
		return err
	}
	tx.ReservationID = &res.ID

	err = s.ledger.Post(ctx, &ledger.Posting{
		TransactionID:  tx.ID,
		ReservationIDs: []uuid.UUID{res.ID},
		Entries: []ledger.Entry{
			ledger.Debit(source.ID, tx.FromAmount.Add(tx.FeeAmount), source.Currency),
			ledger.Credit(dest.ID, tx.ToAmount, dest.Currency),
		},
	})
	if err != nil {
		return exchange.Compensate(ctx, s.limits, res.ID, err, s.metrics, s.logger)
	}

	if err := tx.Complete(time.Now().UTC()); err != nil {
		return err
	}
	if !exchange.RecordCompletion(ctx, s.transactions, tx, s.logger) {
		return nil
	}

	s.logger.Info("Transfer completed", map[string]interface{}{
		"reference": tx.Reference,
		"amount":    tx.FromAmount.String(),
		"fee":       tx.FeeAmount.String(),
		"currency":  tx.FromCurrency,
	})
	return nil
}

func (s *Service) failTransaction(ctx context.Context, tx *domain.Transaction, cause error) (*domain.Transaction, error) {
	if err := tx.Fail(cause, time.Now().UTC()); err != nil {
		return tx, cause
	}
	if err := s.transactions.UpdateTransaction(ctx, tx); err != nil {
		s.logger.Error("Failed to record failed transfer", map[string]interface{}{
			"reference": tx.Reference,
			"error":     err.Error(),
		})
	}
	s.logViolation("Transfer declined", cause, map[string]interface{}{
		"reference": tx.Reference,
		"code":      tx.FailureCode,
	})
	return tx, cause
}

type ExchangeRequest = exchange.Request

// ExecuteExchange converts between two accounts through the exchange processor.
func (s *Service) ExecuteExchange(ctx context.Context, req ExchangeRequest) (tx *domain.Transaction, err error) {
	defer s.observe("execute_exchange", time.Now(), &err)
	return s.exchange.Execute(ctx, req)
}

// LimitUsage previews the windows of one scope for an account, with the caps
// that currently apply to it.
func (s *Service) LimitUsage(ctx context.Context, accountID uuid.UUID, scope domain.Scope) (*limits.Usage, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if scope == "" {
		scope = domain.TransferScope(account.Currency)
	}

	var caps domain.LimitCaps
	switch {
	case strings.HasPrefix(string(scope), "transfer:"):
		limit, err := s.limits.TransferLimit(ctx, account.UserType, domain.Currency(strings.TrimPrefix(string(scope), "transfer:")))
		if err != nil && !errors.Is(err, errors.ErrLimitNotConfigured) {
			return nil, err
		}
		if limit != nil {
			caps = limit.Caps()
		}
	case strings.HasPrefix(string(scope), "exchange:"):
		perm, err := s.exchange.Permission(ctx, account.UserType)
		if err != nil && !errors.Is(err, errors.ErrPermissionDenied) {
			return nil, err
		}
		if perm != nil {
			caps = perm.Caps()
		}
	default:
		return nil, errors.Wrap(errors.ErrInvalidRequest, "unknown scope "+string(scope))
	}
	return s.limits.Usage(ctx, account.ID, scope, caps, time.Now(), account.Location(s.location))
}

func (s *Service) observe(operation string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		switch errors.Classify(*err) {
		case errors.KindPolicy:
			outcome = "declined"
		case errors.KindConfiguration:
			outcome = "config_error"
		case errors.KindNotFound:
			outcome = "not_found"
		case errors.KindConflict:
			outcome = "conflict"
		default:
			outcome = "error"
		}
	}
	s.metrics.RecordDecision(operation, outcome, time.Since(start))
}

func (s *Service) logViolation(message string, cause error, fields map[string]interface{}) {
	fields["reason"] = cause.Error()
	if errors.Classify(cause) == errors.KindPolicy {
		s.logger.Info(message, fields)
		return
	}
	s.logger.Warn(message, fields)
}
