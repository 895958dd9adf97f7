package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/infergate/infergate/internal/domain"
)

type PostgresWalletStore struct {
	db *sql.DB
}

func NewPostgresWalletStore(db *sql.DB) *PostgresWalletStore {
	return &PostgresWalletStore{db: db}
}

// Debit spends entry.Cost from the user's wallet and appends the ledger
// row in one transaction. The conditional UPDATE only matches when the
// balance still covers the cost, so concurrent debits serialize on the
// wallet row and can never jointly overdraw it.
func (s *PostgresWalletStore) Debit(ctx context.Context, entry domain.UsageLedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance - $1, updated_at = $2
		WHERE user_id = $3 AND balance >= $1
	`, entry.Cost, time.Now(), entry.UserID)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if rows == 0 {
		// Either no wallet or the balance no longer covers the cost.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`,
			entry.UserID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check wallet: %w", err)
		}
		if !exists {
			return domain.ErrWalletNotFound
		}
		return domain.ErrInsufficientCredits
	}

	if err := insertEntry(ctx, tx, entry, domain.LedgerKindDebit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debit tx: %w", err)
	}

	return nil
}

// Credit grants entry.Cost to the user's wallet and records the audit row.
// Missing wallets are created on first grant.
func (s *PostgresWalletStore) Credit(ctx context.Context, entry domain.UsageLedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = wallets.balance + $2, updated_at = $3
	`, entry.UserID, entry.Cost, time.Now())
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	if err := insertEntry(ctx, tx, entry, domain.LedgerKindCredit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit tx: %w", err)
	}

	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry domain.UsageLedgerEntry, kind string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_ledger (id, user_id, org_id, model, provider, request_id,
		                          tokens_in, tokens_out, cost, kind, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		entry.ID,
		entry.UserID,
		entry.OrgID,
		entry.Model,
		entry.Provider,
		entry.RequestID,
		entry.TokensIn,
		entry.TokensOut,
		entry.Cost,
		kind,
		entry.Reason,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresWalletStore) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1`, userID,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, domain.ErrWalletNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}

	return balance, nil
}

func (s *PostgresWalletStore) Entries(ctx context.Context, userID string, since time.Time) ([]domain.UsageLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, model, provider, request_id,
		       tokens_in, tokens_out, cost, kind, reason, created_at
		FROM usage_ledger
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.UsageLedgerEntry
	for rows.Next() {
		var e domain.UsageLedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.OrgID,
			&e.Model,
			&e.Provider,
			&e.RequestID,
			&e.TokensIn,
			&e.TokensOut,
			&e.Cost,
			&e.Kind,
			&e.Reason,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
