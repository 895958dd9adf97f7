package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/infergate/infergate/internal/domain"
)

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `
		SELECT key_hash, user_id, is_active, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var key domain.APIKey
	var lastUsed sql.NullTime

	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.KeyHash,
		&key.UserID,
		&key.IsActive,
		&lastUsed,
		&key.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	if lastUsed.Valid {
		key.LastUsedAt = lastUsed.Time
	}

	return &key, nil
}

func (s *PostgresKeyStore) Create(ctx context.Context, key *domain.APIKey) error {
	query := `
		INSERT INTO api_keys (key_hash, user_id, is_active, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query,
		key.KeyHash,
		key.UserID,
		key.IsActive,
		key.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	return nil
}

func (s *PostgresKeyStore) TouchLastUsed(ctx context.Context, keyHash string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE key_hash = $1`

	_, err := s.db.ExecContext(ctx, query, keyHash, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}

	return nil
}

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT id, org_id, role, active FROM users WHERE id = $1`

	var user domain.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.OrgID,
		&user.Role,
		&user.Active,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (id, org_id, role, active) VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, user.ID, user.OrgID, user.Role, user.Active)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}
