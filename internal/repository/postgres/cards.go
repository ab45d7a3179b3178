// ==============================================================================
// CARD PROGRAM REPOSITORY - internal/repository/postgres/cards.go
// ==============================================================================
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

// programRow stores the feature set as flag columns.
type programRow struct {
	ID   uuid.UUID `db:"id"`
	Name string    `db:"name"`
	domain.ProgramFlags
	TransactionFeePercentage decimal.Decimal `db:"transaction_fee_percentage"`
	TransactionFeeFixed      decimal.Decimal `db:"transaction_fee_fixed"`
	RequiredKYCLevel         int             `db:"required_kyc_level"`
	Version                  int64           `db:"version"`
	UpdatedAt                time.Time       `db:"updated_at"`
}

func toProgramRow(p *domain.CardProgram) *programRow {
	return &programRow{
		ID:                       p.ID,
		Name:                     p.Name,
		ProgramFlags:             p.Features.Flags(),
		TransactionFeePercentage: p.TransactionFeePercentage,
		TransactionFeeFixed:      p.TransactionFeeFixed,
		RequiredKYCLevel:         p.RequiredKYCLevel,
		Version:                  p.Version,
		UpdatedAt:                p.UpdatedAt,
	}
}

func (r *programRow) program() *domain.CardProgram {
	return &domain.CardProgram{
		ID:                       r.ID,
		Name:                     r.Name,
		Features:                 r.ProgramFlags.Features(),
		TransactionFeePercentage: r.TransactionFeePercentage,
		TransactionFeeFixed:      r.TransactionFeeFixed,
		RequiredKYCLevel:         r.RequiredKYCLevel,
		Version:                  r.Version,
		UpdatedAt:                r.UpdatedAt,
	}
}

// cardRow keeps the frozen terms as a JSON document.
type cardRow struct {
	ID             uuid.UUID `db:"id"`
	AccountID      uuid.UUID `db:"account_id"`
	ProgramID      uuid.UUID `db:"program_id"`
	ProgramVersion int64     `db:"program_version"`
	Terms          []byte    `db:"terms"`
	IssuedAt       time.Time `db:"issued_at"`
	TermsAppliedAt time.Time `db:"terms_applied_at"`
}

func toCardRow(c *domain.Card) (*cardRow, error) {
	terms, err := json.Marshal(c.Terms)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode card terms")
	}
	return &cardRow{
		ID:             c.ID,
		AccountID:      c.AccountID,
		ProgramID:      c.ProgramID,
		ProgramVersion: c.ProgramVersion,
		Terms:          terms,
		IssuedAt:       c.IssuedAt,
		TermsAppliedAt: c.TermsAppliedAt,
	}, nil
}

func (r *cardRow) card() (*domain.Card, error) {
	c := &domain.Card{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ProgramID:      r.ProgramID,
		ProgramVersion: r.ProgramVersion,
		IssuedAt:       r.IssuedAt,
		TermsAppliedAt: r.TermsAppliedAt,
	}
	if err := json.Unmarshal(r.Terms, &c.Terms); err != nil {
		return nil, errors.Wrap(err, "failed to decode card terms")
	}
	return c, nil
}

func (s *Store) GetProgram(ctx context.Context, id uuid.UUID) (*domain.CardProgram, error) {
	row := &programRow{}
	err := s.db.GetContext(ctx, row, `SELECT * FROM card_programs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrCardProgramNotFound
		}
		return nil, errors.Wrap(err, "failed to get card program")
	}
	return row.program(), nil
}

func (s *Store) UpsertProgram(ctx context.Context, program *domain.CardProgram) error {
	query := `
		INSERT INTO card_programs (
			id, name, no_transaction_fees, allow_negative_balance, overdraft_limit,
			allow_buy_now_pay_later, bnpl_max_amount, bnpl_interest_rate,
			high_transaction_limit, daily_limit, monthly_limit,
			cashback_enabled, cashback_percentage,
			transaction_fee_percentage, transaction_fee_fixed, required_kyc_level,
			version, updated_at
		) VALUES (
			:id, :name, :no_transaction_fees, :allow_negative_balance, :overdraft_limit,
			:allow_buy_now_pay_later, :bnpl_max_amount, :bnpl_interest_rate,
			:high_transaction_limit, :daily_limit, :monthly_limit,
			:cashback_enabled, :cashback_percentage,
			:transaction_fee_percentage, :transaction_fee_fixed, :required_kyc_level,
			1, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			no_transaction_fees = EXCLUDED.no_transaction_fees,
			allow_negative_balance = EXCLUDED.allow_negative_balance,
			overdraft_limit = EXCLUDED.overdraft_limit,
			allow_buy_now_pay_later = EXCLUDED.allow_buy_now_pay_later,
			bnpl_max_amount = EXCLUDED.bnpl_max_amount,
			bnpl_interest_rate = EXCLUDED.bnpl_interest_rate,
			high_transaction_limit = EXCLUDED.high_transaction_limit,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			cashback_enabled = EXCLUDED.cashback_enabled,
			cashback_percentage = EXCLUDED.cashback_percentage,
			transaction_fee_percentage = EXCLUDED.transaction_fee_percentage,
			transaction_fee_fixed = EXCLUDED.transaction_fee_fixed,
			required_kyc_level = EXCLUDED.required_kyc_level,
			version = card_programs.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`
	err := s.namedReturning(ctx, query, toProgramRow(program), &program.Version)
	return errors.Wrap(err, "failed to upsert card program")
}

func (s *Store) ListPrograms(ctx context.Context) ([]*domain.CardProgram, error) {
	var rows []*programRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM card_programs ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list card programs")
	}
	programs := make([]*domain.CardProgram, len(rows))
	for i, row := range rows {
		programs[i] = row.program()
	}
	return programs, nil
}

func (s *Store) GetCard(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	row := &cardRow{}
	err := s.db.GetContext(ctx, row, `SELECT * FROM cards WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrCardNotFound
		}
		return nil, errors.Wrap(err, "failed to get card")
	}
	return row.card()
}

func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	row, err := toCardRow(card)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cards (
			id, account_id, program_id, program_version, terms, issued_at, terms_applied_at
		) VALUES (
			:id, :account_id, :program_id, :program_version, :terms, :issued_at, :terms_applied_at
		)
	`
	_, err = s.db.NamedExecContext(ctx, query, row)
	return errors.Wrap(err, "failed to create card")
}

func (s *Store) UpdateCard(ctx context.Context, card *domain.Card) error {
	row, err := toCardRow(card)
	if err != nil {
		return err
	}
	query := `
		UPDATE cards SET
			program_version = :program_version,
			terms = :terms,
			terms_applied_at = :terms_applied_at
		WHERE id = :id
	`
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return errors.Wrap(err, "failed to update card")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.ErrCardNotFound
	}
	return nil
}
