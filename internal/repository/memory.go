package repository

import (
	"context"
	"sync"
	"time"

	"github.com/infergate/infergate/internal/domain"
)

type InMemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*domain.APIKey
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys: make(map[string]*domain.APIKey),
	}
}

func (s *InMemoryKeyStore) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}

	cp := *key
	return &cp, nil
}

func (s *InMemoryKeyStore) Create(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[key.KeyHash] = &cp
	return nil
}

func (s *InMemoryKeyStore) TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return domain.ErrKeyNotFound
	}
	key.LastUsedAt = at
	return nil
}

type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users: make(map[string]*domain.User),
	}
}

func (s *InMemoryUserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	cp := *user
	return &cp, nil
}

func (s *InMemoryUserStore) Create(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// InMemoryWalletStore mirrors the Postgres store's debit semantics: the
// balance check, decrement, and ledger append happen under one lock, so
// two concurrent debits can never both observe a stale balance.
type InMemoryWalletStore struct {
	mu      sync.Mutex
	wallets map[string]float64
	entries []domain.UsageLedgerEntry
}

func NewInMemoryWalletStore() *InMemoryWalletStore {
	return &InMemoryWalletStore{
		wallets: make(map[string]float64),
	}
}

// SetBalance seeds a wallet. Test and bootstrap helper.
func (s *InMemoryWalletStore) SetBalance(userID string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[userID] = balance
}

func (s *InMemoryWalletStore) Debit(ctx context.Context, entry domain.UsageLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.wallets[entry.UserID]
	if !ok {
		return domain.ErrWalletNotFound
	}
	if balance < entry.Cost {
		return domain.ErrInsufficientCredits
	}

	s.wallets[entry.UserID] = balance - entry.Cost
	entry.Kind = domain.LedgerKindDebit
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryWalletStore) Credit(ctx context.Context, entry domain.UsageLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[entry.UserID] += entry.Cost
	entry.Kind = domain.LedgerKindCredit
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryWalletStore) Balance(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.wallets[userID]
	if !ok {
		return 0, domain.ErrWalletNotFound
	}
	return balance, nil
}

func (s *InMemoryWalletStore) Entries(ctx context.Context, userID string, since time.Time) ([]domain.UsageLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.UsageLedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
