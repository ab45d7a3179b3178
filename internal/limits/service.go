// Package limits enforces rolling daily and monthly caps through reservations
// that are either committed with the money movement or released.
//
// ==============================================================================
// LIMIT LEDGER - internal/limits/service.go
// ==============================================================================
package limits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/metrics"
)

// Repository stores usage windows and reservations.
//
// Reserve must check every window against its cap and increment all of them,
// or none, while holding the account's lock; a cap breach is reported as a
// *domain.LimitViolation. ReleaseReservation decrements the windows of a
// reserved reservation exactly once and is a no-op for a released one.
type Repository interface {
	Reserve(ctx context.Context, res *domain.Reservation, windows []domain.WindowCap) error
	ReleaseReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	CommitReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetUsage(ctx context.Context, accountID uuid.UUID, scope domain.Scope, periodKey string) (decimal.Decimal, error)
	// StaleReservations lists up to limit reservations still reserved and
	// created before cutoff, oldest first.
	StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error)

	GetTransferLimit(ctx context.Context, userType domain.UserType, currency domain.Currency) (*domain.TransferLimit, error)
	UpsertTransferLimit(ctx context.Context, limit *domain.TransferLimit) error
	ListTransferLimits(ctx context.Context) ([]*domain.TransferLimit, error)
}

// ReserveRequest asks for Amount of capacity in Scope at time At, with period
// keys computed in Location.
type ReserveRequest struct {
	AccountID uuid.UUID
	Scope     domain.Scope
	Amount    decimal.Decimal
	Caps      domain.LimitCaps
	At        time.Time
	Location  *time.Location
}

// Usage is the consumption of one scope in the current day and month.
type Usage struct {
	AccountID   uuid.UUID        `json:"account_id"`
	Scope       domain.Scope     `json:"scope"`
	DailyKey    string           `json:"daily_key"`
	DailyUsed   decimal.Decimal  `json:"daily_used"`
	DailyCap    *decimal.Decimal `json:"daily_cap,omitempty"`
	DailyLeft   *decimal.Decimal `json:"daily_remaining,omitempty"`
	MonthlyKey  string           `json:"monthly_key"`
	MonthlyUsed decimal.Decimal  `json:"monthly_used"`
	MonthlyCap  *decimal.Decimal `json:"monthly_cap,omitempty"`
	MonthlyLeft *decimal.Decimal `json:"monthly_remaining,omitempty"`
}

type Service struct {
	repo     Repository
	logger   logger.Logger
	metrics  *metrics.Collector
	location *time.Location
}

func NewService(repo Repository, defaultLocation *time.Location, m *metrics.Collector, log logger.Logger) *Service {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	return &Service{
		repo:     repo,
		logger:   log,
		metrics:  m,
		location: defaultLocation,
	}
}

// CheckAndReserve checks the single-amount caps, then atomically reserves
// capacity in every capped window.
func (s *Service) CheckAndReserve(ctx context.Context, req ReserveRequest) (*domain.Reservation, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.ErrInvalidAmount
	}
	if err := CheckAmount(req.Caps, req.Amount); err != nil {
		s.metrics.RecordReservation("rejected")
		return nil, err
	}

	loc := req.Location
	if loc == nil {
		loc = s.location
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	now := time.Now().UTC()
	res := &domain.Reservation{
		ID:         uuid.New(),
		AccountID:  req.AccountID,
		Scope:      req.Scope,
		Amount:     req.Amount,
		DailyKey:   domain.DailyKey(at, loc),
		MonthlyKey: domain.MonthlyKey(at, loc),
		Status:     domain.ReservationReserved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Reserve(ctx, res, windows(res, req.Caps)); err != nil {
		if errors.Is(err, errors.ErrLimitExceeded) {
			s.metrics.RecordReservation("rejected")
			s.logger.Info("Limit reservation rejected", map[string]interface{}{
				"account_id": req.AccountID,
				"scope":      req.Scope,
				"amount":     req.Amount.String(),
				"reason":     err.Error(),
			})
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to reserve limit")
	}

	s.metrics.RecordReservation("reserved")
	return res, nil
}

// CheckAmount applies the minimum and per-transaction caps to a single amount.
func CheckAmount(caps domain.LimitCaps, amount decimal.Decimal) error {
	if amount.LessThan(caps.MinAmount) {
		return &domain.LimitViolation{Class: domain.LimitClassMinimum, Cap: caps.MinAmount, Amount: amount}
	}
	if caps.PerTransaction != nil && amount.GreaterThan(*caps.PerTransaction) {
		return &domain.LimitViolation{Class: domain.LimitClassPerTransaction, Cap: *caps.PerTransaction, Amount: amount}
	}
	return nil
}

// Release gives back a reservation's capacity. Releasing twice is a no-op;
// releasing a committed reservation fails with ErrReservationClosed.
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	res, err := s.repo.ReleaseReservation(ctx, id)
	if err != nil {
		return err
	}
	s.metrics.RecordReservation("released")
	s.logger.Debug("Limit reservation released", map[string]interface{}{
		"reservation_id": id,
		"account_id":     res.AccountID,
		"scope":          res.Scope,
	})
	return nil
}

// Commit finalizes a reservation for flows with no balance posting.
func (s *Service) Commit(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.CommitReservation(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordReservation("committed")
	return nil
}

// ReleaseStale releases reservations left open longer than maxAge, which
// happens only when a process dies between reserving and posting. A posting
// that races the release fails because it refuses released reservations.
func (s *Service) ReleaseStale(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	stale, err := s.repo.StaleReservations(ctx, time.Now().UTC().Add(-maxAge), batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale reservations")
	}

	released := 0
	for _, res := range stale {
		if err := s.Release(ctx, res.ID); err != nil {
			if errors.Is(err, errors.ErrReservationClosed) {
				continue
			}
			return released, err
		}
		released++
		s.logger.Warn("Released stale limit reservation", map[string]interface{}{
			"reservation_id": res.ID,
			"account_id":     res.AccountID,
			"scope":          res.Scope,
			"amount":         res.Amount.String(),
			"created_at":     res.CreatedAt,
		})
	}
	return released, nil
}

// Usage reports how much of the scope's current windows is consumed.
func (s *Service) Usage(ctx context.Context, accountID uuid.UUID, scope domain.Scope, caps domain.LimitCaps, at time.Time, loc *time.Location) (*Usage, error) {
	if loc == nil {
		loc = s.location
	}
	u := &Usage{
		AccountID:  accountID,
		Scope:      scope,
		DailyKey:   domain.DailyKey(at, loc),
		MonthlyKey: domain.MonthlyKey(at, loc),
		DailyCap:   caps.Daily,
		MonthlyCap: caps.Monthly,
	}

	var err error
	if u.DailyUsed, err = s.repo.GetUsage(ctx, accountID, scope, u.DailyKey); err != nil {
		return nil, errors.Wrap(err, "failed to read daily usage")
	}
	if u.MonthlyUsed, err = s.repo.GetUsage(ctx, accountID, scope, u.MonthlyKey); err != nil {
		return nil, errors.Wrap(err, "failed to read monthly usage")
	}
	u.DailyLeft = remaining(caps.Daily, u.DailyUsed)
	u.MonthlyLeft = remaining(caps.Monthly, u.MonthlyUsed)
	return u, nil
}

// TransferLimit returns the active limit row for (userType, currency), or ErrLimitNotConfigured.
func (s *Service) TransferLimit(ctx context.Context, userType domain.UserType, currency domain.Currency) (*domain.TransferLimit, error) {
	limit, err := s.repo.GetTransferLimit(ctx, userType, currency)
	if err != nil {
		return nil, err
	}
	if !limit.IsActive {
		return nil, errors.Wrap(errors.ErrLimitNotConfigured, "transfer limit inactive")
	}
	return limit, nil
}

// SetTransferLimit validates the monotonic cap chain and stores the row.
func (s *Service) SetTransferLimit(ctx context.Context, limit *domain.TransferLimit) (*domain.TransferLimit, error) {
	limit.Currency = domain.NormalizeCurrency(string(limit.Currency))
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	limit.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertTransferLimit(ctx, limit); err != nil {
		return nil, errors.Wrap(err, "failed to store transfer limit")
	}

	s.logger.Info("Transfer limit updated", map[string]interface{}{
		"user_type": limit.UserType,
		"currency":  limit.Currency,
		"version":   limit.Version,
	})
	return limit, nil
}

func (s *Service) ListTransferLimits(ctx context.Context) ([]*domain.TransferLimit, error) {
	return s.repo.ListTransferLimits(ctx)
}

// windows lists both period windows; a nil cap is tracked but never enforced.
func windows(res *domain.Reservation, caps domain.LimitCaps) []domain.WindowCap {
	return []domain.WindowCap{
		{Class: domain.LimitClassDaily, PeriodKey: res.DailyKey, Cap: caps.Daily},
		{Class: domain.LimitClassMonthly, PeriodKey: res.MonthlyKey, Cap: caps.Monthly},
	}
}

func remaining(cap *decimal.Decimal, used decimal.Decimal) *decimal.Decimal {
	if cap == nil {
		return nil
	}
	left := cap.Sub(used)
	if left.IsNegative() {
		left = decimal.Zero
	}
	return &left
}
