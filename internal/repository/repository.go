// Package repository holds the persistence interfaces and their Postgres
// and in-memory implementations. Both variants give the same observable
// semantics; the in-memory forms back tests and zero-dependency runs.
package repository

import (
	"context"
	"time"

	"github.com/infergate/infergate/internal/domain"
)

// KeyStore resolves API keys by their sha256 hash.
type KeyStore interface {
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	Create(ctx context.Context, key *domain.APIKey) error
	// TouchLastUsed updates the key's last-used timestamp. Callers treat
	// this as bookkeeping: a failure here must never fail a request.
	TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error
}

// UserStore resolves user accounts.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
}

// WalletStore owns wallet balances and the append-only usage ledger.
//
// Debit is the single point of truth for spending: the balance check, the
// decrement, and the ledger insert happen in one atomic step. When the
// balance does not cover entry.Cost the whole operation is a no-op and
// returns domain.ErrInsufficientCredits.
type WalletStore interface {
	Debit(ctx context.Context, entry domain.UsageLedgerEntry) error
	Credit(ctx context.Context, entry domain.UsageLedgerEntry) error
	Balance(ctx context.Context, userID string) (float64, error)
	Entries(ctx context.Context, userID string, since time.Time) ([]domain.UsageLedgerEntry, error)
}
