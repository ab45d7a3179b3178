// Package cards manages card programs and issued cards, and decides card
// transactions against a program's feature set.
//
// ==============================================================================
// CARD FEATURE POLICY - internal/cards/service.go
// ==============================================================================
package cards

import (
	"context"
	"time"

	"github.com/google/uuid"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
	"moneypolicy/pkg/logger"
)

type Repository interface {
	GetProgram(ctx context.Context, id uuid.UUID) (*domain.CardProgram, error)
	UpsertProgram(ctx context.Context, program *domain.CardProgram) error
	ListPrograms(ctx context.Context) ([]*domain.CardProgram, error)
	GetCard(ctx context.Context, id uuid.UUID) (*domain.Card, error)
	CreateCard(ctx context.Context, card *domain.Card) error
	UpdateCard(ctx context.Context, card *domain.Card) error
}

// AccountReader looks up the account a card is issued against.
type AccountReader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

type Service struct {
	repo     Repository
	accounts AccountReader
	logger   logger.Logger
}

func NewService(repo Repository, accounts AccountReader, log logger.Logger) *Service {
	return &Service{repo: repo, accounts: accounts, logger: log}
}

// SetProgram validates and stores a program. Issued cards keep their old terms.
func (s *Service) SetProgram(ctx context.Context, program *domain.CardProgram) (*domain.CardProgram, error) {
	if err := program.Validate(); err != nil {
		return nil, err
	}
	if program.ID == uuid.Nil {
		program.ID = uuid.New()
	}
	program.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertProgram(ctx, program); err != nil {
		return nil, errors.Wrap(err, "failed to store card program")
	}

	s.logger.Info("Card program updated", map[string]interface{}{
		"program_id": program.ID,
		"name":       program.Name,
		"version":    program.Version,
	})
	return program, nil
}

func (s *Service) GetProgram(ctx context.Context, id uuid.UUID) (*domain.CardProgram, error) {
	return s.repo.GetProgram(ctx, id)
}

func (s *Service) ListPrograms(ctx context.Context) ([]*domain.CardProgram, error) {
	return s.repo.ListPrograms(ctx)
}

func (s *Service) GetCard(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	return s.repo.GetCard(ctx, id)
}

// Issue creates a card carrying a snapshot of the program's current terms.
func (s *Service) Issue(ctx context.Context, accountID, programID uuid.UUID) (*domain.Card, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	program, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	if account.KYCLevel < program.RequiredKYCLevel {
		return nil, errors.ErrKYCLevelInsufficient
	}

	now := time.Now().UTC()
	card := &domain.Card{
		ID:             uuid.New(),
		AccountID:      account.ID,
		ProgramID:      program.ID,
		ProgramVersion: program.Version,
		Terms:          *program,
		IssuedAt:       now,
		TermsAppliedAt: now,
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, errors.Wrap(err, "failed to issue card")
	}

	s.logger.Info("Card issued", map[string]interface{}{
		"card_id":         card.ID,
		"account_id":      account.ID,
		"program_id":      program.ID,
		"program_version": program.Version,
	})
	return card, nil
}

// Reapply refreshes an issued card's terms from its program's current version.
func (s *Service) Reapply(ctx context.Context, cardID uuid.UUID) (*domain.Card, error) {
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	program, err := s.repo.GetProgram(ctx, card.ProgramID)
	if err != nil {
		return nil, err
	}
	if program.Version == card.ProgramVersion {
		return card, nil
	}

	previous := card.ProgramVersion
	card.Terms = *program
	card.ProgramVersion = program.Version
	card.TermsAppliedAt = time.Now().UTC()
	if err := s.repo.UpdateCard(ctx, card); err != nil {
		return nil, errors.Wrap(err, "failed to reapply card terms")
	}

	s.logger.Info("Card terms reapplied", map[string]interface{}{
		"card_id":          card.ID,
		"previous_version": previous,
		"program_version":  program.Version,
	})
	return card, nil
}
