package memory

import (
	"context"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// CreateTransaction claims tx.Reference; a second claim fails with ErrDuplicateReference.
func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.Reference]; exists {
		return errors.ErrDuplicateReference
	}
	cp := *tx
	s.transactions[tx.Reference] = &cp
	return nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[reference]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.transactions[tx.Reference]
	if !ok {
		return errors.ErrTransactionNotFound
	}
	if existing.IsTerminal() {
		return errors.ErrInvalidTransition
	}
	cp := *tx
	s.transactions[tx.Reference] = &cp
	return nil
}

func (s *Store) CreateAuthorization(ctx context.Context, auth *domain.CardAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authorizations[auth.Reference]; exists {
		return errors.ErrDuplicateReference
	}
	cp := *auth
	s.authorizations[auth.Reference] = &cp
	return nil
}

func (s *Store) GetAuthorizationByReference(ctx context.Context, reference string) (*domain.CardAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.authorizations[reference]
	if !ok {
		return nil, errors.ErrAuthorizationNotFound
	}
	cp := *auth
	return &cp, nil
}

// UpdateAuthorization writes auth only if the stored row is still in status expected.
func (s *Store) UpdateAuthorization(ctx context.Context, auth *domain.CardAuthorization, expected domain.AuthorizationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.authorizations[auth.Reference]
	if !ok {
		return errors.ErrAuthorizationNotFound
	}
	if existing.Status != expected {
		return errors.ErrInvalidTransition
	}
	cp := *auth
	s.authorizations[auth.Reference] = &cp
	return nil
}

func (s *Store) SetCashbackCredited(ctx context.Context, reference string, credited bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.authorizations[reference]
	if !ok {
		return errors.ErrAuthorizationNotFound
	}
	if existing.Status != domain.AuthorizationSettled || existing.CashbackCredited == credited {
		return errors.ErrInvalidTransition
	}
	existing.CashbackCredited = credited
	return nil
}
