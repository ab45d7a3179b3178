// Package postgres implements the policy engine repositories on PostgreSQL.
//
// ==============================================================================
// POSTGRES STORE - internal/repository/postgres/store.go
// ==============================================================================
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"moneypolicy/internal/domain"
	"moneypolicy/pkg/errors"
)

const (
	pqUniqueViolation       = "23505"
	pqSerializationFailure  = "40001"
	pqDeadlockDetected      = "40P01"
	defaultSerializeRetries = 5
)

// Store satisfies every repository interface the services declare.
type Store struct {
	db         *sqlx.DB
	maxRetries int
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, maxRetries: defaultSerializeRetries}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

func isRetryable(err error) bool {
	code := pqCode(err)
	return code == pqSerializationFailure || code == pqDeadlockDetected
}

// withTx runs fn in a transaction and retries it when PostgreSQL aborts the
// transaction for a serialization failure or deadlock.
func (s *Store) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		lastErr = s.runTx(ctx, opts, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return errors.Wrap(lastErr, "transaction retries exhausted")
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockAccount takes the row lock that serializes every balance and usage
// change of one account.
func lockAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Account, error) {
	account := &domain.Account{}
	err := tx.GetContext(ctx, account, `SELECT * FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "failed to lock account")
	}
	return account, nil
}

// sortedUnique orders ids so that multi-account transactions always lock in
// the same order.
func sortedUnique(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
