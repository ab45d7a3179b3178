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
	"moneypolicy/pkg/errors"
)

type CardRequest struct {
	Reference string
	CardID    uuid.UUID
	Amount    decimal.Decimal
	// Installment asks for buy-now-pay-later financing.
	Installment bool
}

// AuthorizeCardTransaction decides a card charge against the card's frozen
// terms and, when approved, debits the account (or finances the purchase) and
// commits the limit reservation in one step. Declines are recorded and
// replayed for the same reference.
func (s *Service) AuthorizeCardTransaction(ctx context.Context, req CardRequest) (auth *domain.CardAuthorization, err error) {
	defer s.observe("authorize_card", time.Now(), &err)

	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}

	if existing, err := s.authorizations.GetAuthorizationByReference(ctx, req.Reference); err == nil {
		return replayAuthorization(existing)
	} else if !errors.Is(err, errors.ErrAuthorizationNotFound) {
		return nil, errors.Wrap(err, "failed to look up reference")
	}

	card, err := s.cards.GetCard(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	account, err := s.ledger.GetAccount(ctx, card.AccountID)
	if err != nil {
		return nil, err
	}

	auth = &domain.CardAuthorization{
		ID:        uuid.New(),
		Reference: req.Reference,
		CardID:    card.ID,
		AccountID: account.ID,
		Amount:    req.Amount,
		Currency:  account.Currency,
		Status:    domain.AuthorizationPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.authorizations.CreateAuthorization(ctx, auth); err != nil {
		if errors.Is(err, errors.ErrDuplicateReference) {
			existing, getErr := s.authorizations.GetAuthorizationByReference(ctx, req.Reference)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "failed to load duplicate reference")
			}
			return replayAuthorization(existing)
		}
		return nil, errors.Wrap(err, "failed to create authorization")
	}

	if err := s.authorize(ctx, auth, &card.Terms, account, req.Installment); err != nil {
		return s.declineAuthorization(ctx, auth, err)
	}

	if err := s.authorizations.UpdateAuthorization(ctx, auth, domain.AuthorizationPending); err != nil {
		s.logger.Error("Failed to record card authorization", map[string]interface{}{
			"reference": auth.Reference,
			"error":     err.Error(),
			"alert":     true,
		})
	}
	s.logger.Info("Card transaction authorized", map[string]interface{}{
		"reference": auth.Reference,
		"card_id":   auth.CardID,
		"outcome":   auth.Outcome,
		"amount":    auth.Amount.String(),
		"fee":       auth.FeeAmount.String(),
	})
	return auth, nil
}

func (s *Service) authorize(ctx context.Context, auth *domain.CardAuthorization, terms *domain.CardProgram, account *domain.Account, installment bool) error {
	fee, err := s.cardFee(ctx, terms, auth.Amount, account.Currency)
	if err != nil {
		return err
	}
	auth.FeeAmount = fee.Amount

	caps, err := s.cardCaps(ctx, terms, account)
	if err != nil {
		return err
	}

	// The fee always comes out of the balance, so the purchase is judged
	// against what is left after it.
	decision := cards.Evaluate(terms, auth.Amount, account.Balance.Sub(fee.Amount), cards.EvaluateOptions{
		Installment: installment,
		KYCLevel:    account.KYCLevel,
	})
	if !decision.Approved() {
		return decision.Reason
	}

	res, err := s.limits.CheckAndReserve(ctx, limits.ReserveRequest{
		AccountID: account.ID,
		Scope:     domain.TransferScope(account.Currency),
		Amount:    auth.Amount,
		Caps:      caps,
		At:        auth.CreatedAt,
		Location:  account.Location(s.location),
	})
	if err != nil {
		return err
	}
	auth.ReservationID = &res.ID

	debit := auth.Amount.Add(fee.Amount)
	if decision.Outcome == domain.OutcomeApproveAsInstallment {
		debit = fee.Amount
	}
	entry := ledger.Debit(account.ID, debit, account.Currency)
	entry.Floor = cards.BalanceFloor(terms)

	err = s.ledger.Post(ctx, &ledger.Posting{
		TransactionID:  auth.ID,
		ReservationIDs: []uuid.UUID{res.ID},
		Entries:        []ledger.Entry{entry},
	})
	if err != nil {
		return exchange.Compensate(ctx, s.limits, res.ID, err, s.metrics, s.logger)
	}

	auth.Outcome = decision.Outcome
	auth.Shortfall = domain.RoundMoney(decision.Shortfall, s.scale)
	auth.Cashback = domain.RoundMoney(decision.Cashback, s.scale)
	if plan := decision.Installment; plan != nil {
		auth.InterestRate = plan.InterestRate
		auth.TotalRepayable = domain.RoundMoney(plan.TotalRepayable, s.scale)
	}
	auth.Status = domain.AuthorizationAuthorized
	return nil
}

// cardFee: a fee waiver wins, then the program's own fee, then the
// card_payment fee row.
func (s *Service) cardFee(ctx context.Context, terms *domain.CardProgram, amount decimal.Decimal, currency domain.Currency) (*fees.Fee, error) {
	if terms.Features.Has(domain.FeatureFeeWaiver) {
		return fees.Waived(currency), nil
	}
	if terms.HasOwnFee() {
		return s.fees.Apply(terms.FeeRule(), amount, currency), nil
	}
	return s.fees.ComputeForMovement(ctx, amount, currency, domain.TransactionTypeCardPayment)
}

func (s *Service) cardCaps(ctx context.Context, terms *domain.CardProgram, account *domain.Account) (domain.LimitCaps, error) {
	var transferLimit *domain.TransferLimit
	if _, high := terms.Features.HighLimit(); !high {
		limit, err := s.limits.TransferLimit(ctx, account.UserType, account.Currency)
		if err != nil {
			return domain.LimitCaps{}, err
		}
		transferLimit = limit
	}
	return cards.LimitCaps(terms, transferLimit)
}

func (s *Service) declineAuthorization(ctx context.Context, auth *domain.CardAuthorization, cause error) (*domain.CardAuthorization, error) {
	auth.Status = domain.AuthorizationDeclined
	auth.Outcome = domain.OutcomeDecline
	auth.FailureCode = errors.Code(cause)
	if err := s.authorizations.UpdateAuthorization(ctx, auth, domain.AuthorizationPending); err != nil {
		s.logger.Error("Failed to record declined authorization", map[string]interface{}{
			"reference": auth.Reference,
			"error":     err.Error(),
		})
	}
	s.logViolation("Card transaction declined", cause, map[string]interface{}{
		"reference": auth.Reference,
		"card_id":   auth.CardID,
		"code":      auth.FailureCode,
	})
	return auth, cause
}

func replayAuthorization(auth *domain.CardAuthorization) (*domain.CardAuthorization, error) {
	if auth.Status == domain.AuthorizationPending {
		return nil, errors.ErrRequestInProgress
	}
	return auth, auth.Err()
}

// SettleCardTransaction marks an authorization settled and credits its
// cashback. Settling again returns the settled record and only retries a
// cashback credit that did not go through.
func (s *Service) SettleCardTransaction(ctx context.Context, reference string) (auth *domain.CardAuthorization, err error) {
	defer s.observe("settle_card", time.Now(), &err)

	auth, err = s.authorizations.GetAuthorizationByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch auth.Status {
	case domain.AuthorizationSettled:
		return s.creditCashback(ctx, auth)
	case domain.AuthorizationAuthorized:
	default:
		return nil, errors.Wrap(errors.ErrInvalidTransition, "only authorized transactions settle")
	}

	now := time.Now().UTC()
	auth.Status = domain.AuthorizationSettled
	auth.SettledAt = &now
	if err := s.authorizations.UpdateAuthorization(ctx, auth, domain.AuthorizationAuthorized); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			// lost the race to a concurrent settle
			return s.authorizations.GetAuthorizationByReference(ctx, reference)
		}
		return nil, errors.Wrap(err, "failed to settle authorization")
	}
	s.logger.Info("Card transaction settled", map[string]interface{}{
		"reference": auth.Reference,
		"cashback":  auth.Cashback.String(),
	})
	return s.creditCashback(ctx, auth)
}

// creditCashback claims the credit on the row before posting it, so
// concurrent settles never pay twice. A failed posting hands the claim back
// for the next settle to retry.
func (s *Service) creditCashback(ctx context.Context, auth *domain.CardAuthorization) (*domain.CardAuthorization, error) {
	if auth.CashbackCredited || !auth.Cashback.IsPositive() {
		return auth, nil
	}
	if err := s.authorizations.SetCashbackCredited(ctx, auth.Reference, true); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return s.authorizations.GetAuthorizationByReference(ctx, auth.Reference)
		}
		return auth, errors.Wrap(err, "failed to claim cashback credit")
	}

	err := s.ledger.Post(ctx, &ledger.Posting{
		TransactionID: auth.ID,
		Entries:       []ledger.Entry{ledger.Credit(auth.AccountID, auth.Cashback, auth.Currency)},
	})
	if err != nil {
		fields := map[string]interface{}{
			"reference": auth.Reference,
			"cashback":  auth.Cashback.String(),
			"error":     err.Error(),
		}
		if rerr := s.authorizations.SetCashbackCredited(ctx, auth.Reference, false); rerr != nil {
			fields["alert"] = true
			fields["unclaim_error"] = rerr.Error()
			s.logger.Error("Cashback credit failed and stays claimed", fields)
		} else {
			s.logger.Warn("Cashback credit failed, retry on next settle", fields)
		}
		return auth, errors.Wrap(err, "failed to credit cashback")
	}

	auth.CashbackCredited = true
	s.logger.Info("Cashback credited", map[string]interface{}{
		"reference": auth.Reference,
		"cashback":  auth.Cashback.String(),
	})
	return auth, nil
}
