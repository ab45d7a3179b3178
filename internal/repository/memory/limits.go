package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

func (s *Store) Reserve(ctx context.Context, res *domain.Reservation, windows []domain.WindowCap) error {
	states, unlock, ok := s.lockAccounts(res.AccountID)
	defer unlock()
	if !ok {
		return errors.ErrAccountNotFound
	}
	st := states[res.AccountID]

	for _, w := range windows {
		used := st.usage[windowKey{res.Scope, w.PeriodKey}]
		if !w.Allows(used, res.Amount) {
			return &domain.LimitViolation{Class: w.Class, Cap: *w.Cap, Used: used, Amount: res.Amount}
		}
	}
	for _, w := range windows {
		key := windowKey{res.Scope, w.PeriodKey}
		st.usage[key] = st.usage[key].Add(res.Amount)
	}

	cp := *res
	st.reservations[res.ID] = &cp

	s.mu.Lock()
	s.reservationOwner[res.ID] = res.AccountID
	s.mu.Unlock()
	return nil
}

func (s *Store) owner(id uuid.UUID) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accountID, ok := s.reservationOwner[id]
	return accountID, ok
}

func (s *Store) ReleaseReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	accountID, ok := s.owner(id)
	if !ok {
		return nil, errors.ErrReservationNotFound
	}
	states, unlock, _ := s.lockAccounts(accountID)
	defer unlock()
	st := states[accountID]

	res := st.reservations[id]
	switch res.Status {
	case domain.ReservationReleased:
		cp := *res
		return &cp, nil
	case domain.ReservationCommitted:
		return nil, errors.ErrReservationClosed
	}

	for _, period := range []string{res.DailyKey, res.MonthlyKey} {
		key := windowKey{res.Scope, period}
		st.usage[key] = st.usage[key].Sub(res.Amount)
	}
	res.Status = domain.ReservationReleased
	res.UpdatedAt = time.Now().UTC()
	cp := *res
	return &cp, nil
}

func (s *Store) CommitReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	accountID, ok := s.owner(id)
	if !ok {
		return nil, errors.ErrReservationNotFound
	}
	states, unlock, _ := s.lockAccounts(accountID)
	defer unlock()

	res := states[accountID].reservations[id]
	if err := commit(res); err != nil {
		return nil, err
	}
	cp := *res
	return &cp, nil
}

// commit moves a reservation to committed; the caller holds its account lock.
func commit(res *domain.Reservation) error {
	switch res.Status {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return errors.Wrap(errors.ErrInvalidTransition, "reservation already released")
	}
	res.Status = domain.ReservationCommitted
	res.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	accountID, ok := s.owner(id)
	if !ok {
		return nil, errors.ErrReservationNotFound
	}
	states, unlock, _ := s.lockAccounts(accountID)
	defer unlock()
	cp := *states[accountID].reservations[id]
	return &cp, nil
}

func (s *Store) GetUsage(ctx context.Context, accountID uuid.UUID, scope domain.Scope, periodKey string) (decimal.Decimal, error) {
	states, unlock, ok := s.lockAccounts(accountID)
	defer unlock()
	if !ok {
		return decimal.Zero, errors.ErrAccountNotFound
	}
	return states[accountID].usage[windowKey{scope, periodKey}], nil
}

func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	s.mu.RLock()
	owners := make(map[uuid.UUID]struct{})
	for _, accountID := range s.reservationOwner {
		owners[accountID] = struct{}{}
	}
	s.mu.RUnlock()

	var out []*domain.Reservation
	for accountID := range owners {
		states, unlock, ok := s.lockAccounts(accountID)
		if !ok {
			unlock()
			continue
		}
		for _, res := range states[accountID].reservations {
			if res.Status == domain.ReservationReserved && res.CreatedAt.Before(cutoff) {
				cp := *res
				out = append(out, &cp)
			}
		}
		unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
