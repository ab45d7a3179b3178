// Package memory is an in-process implementation of every repository the
// policy engine uses. Account-scoped state lives behind a per-account mutex so
// that unrelated accounts never contend; configuration rows sit behind one
// read/write lock.
//
// ==============================================================================
// IN-MEMORY STORE - internal/repository/memory/store.go
// ==============================================================================
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneypolicy/internal/domain"
)

type pairKey struct {
	from, to domain.Currency
}

type feeKey struct {
	txType   domain.TransactionType
	currency domain.Currency
}

type limitKey struct {
	userType domain.UserType
	currency domain.Currency
}

type windowKey struct {
	scope     domain.Scope
	periodKey string
}

// accountState is everything that must change together with a balance.
type accountState struct {
	mu           sync.Mutex
	account      domain.Account
	usage        map[windowKey]decimal.Decimal
	reservations map[uuid.UUID]*domain.Reservation
}

type Store struct {
	mu sync.RWMutex

	rates       map[pairKey]*domain.ExchangeRate
	rateHistory map[pairKey][]*domain.RateChange
	fees        map[feeKey]*domain.FeeConfig
	limits      map[limitKey]*domain.TransferLimit
	permissions map[domain.UserType]*domain.ExchangePermission
	programs    map[uuid.UUID]*domain.CardProgram
	cards       map[uuid.UUID]*domain.Card

	accounts         map[uuid.UUID]*accountState
	reservationOwner map[uuid.UUID]uuid.UUID
	entries          map[uuid.UUID][]*domain.LedgerEntry

	transactions   map[string]*domain.Transaction
	authorizations map[string]*domain.CardAuthorization
}

func NewStore() *Store {
	return &Store{
		rates:            make(map[pairKey]*domain.ExchangeRate),
		rateHistory:      make(map[pairKey][]*domain.RateChange),
		fees:             make(map[feeKey]*domain.FeeConfig),
		limits:           make(map[limitKey]*domain.TransferLimit),
		permissions:      make(map[domain.UserType]*domain.ExchangePermission),
		programs:         make(map[uuid.UUID]*domain.CardProgram),
		cards:            make(map[uuid.UUID]*domain.Card),
		accounts:         make(map[uuid.UUID]*accountState),
		reservationOwner: make(map[uuid.UUID]uuid.UUID),
		entries:          make(map[uuid.UUID][]*domain.LedgerEntry),
		transactions:     make(map[string]*domain.Transaction),
		authorizations:   make(map[string]*domain.CardAuthorization),
	}
}

func (s *Store) state(id uuid.UUID) (*accountState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts[id]
	return st, ok
}

// lockAccounts locks the given accounts in ascending id order and returns
// their states plus the matching unlock func. Unknown ids yield ok=false.
func (s *Store) lockAccounts(ids ...uuid.UUID) (map[uuid.UUID]*accountState, func(), bool) {
	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool {
		return bytes.Compare(unique[i][:], unique[j][:]) < 0
	})

	states := make(map[uuid.UUID]*accountState, len(unique))
	for _, id := range unique {
		st, ok := s.state(id)
		if !ok {
			return nil, func() {}, false
		}
		states[id] = st
	}

	locked := make([]*accountState, 0, len(unique))
	for _, id := range unique {
		st := states[id]
		st.mu.Lock()
		locked = append(locked, st)
	}
	return states, func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}, true
}
