// Package auth resolves bearer credentials to a Principal. Two schemes are
// accepted, distinguished by a literal prefix on the bearer value: "ig-"
// API keys looked up in the key store, and "igt_" signed session tokens.
package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/crypto"
	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/repository"
)

const (
	// APIKeyPrefix marks long-lived API keys.
	APIKeyPrefix = "ig-"
	// TokenPrefix marks signed session tokens.
	TokenPrefix = "igt_"

	touchTimeout = 3 * time.Second
)

type Resolver struct {
	keys   repository.KeyStore
	users  repository.UserStore
	signer *TokenSigner
}

func NewResolver(keys repository.KeyStore, users repository.UserStore, signer *TokenSigner) *Resolver {
	return &Resolver{
		keys:   keys,
		users:  users,
		signer: signer,
	}
}

// Authenticate validates a bearer credential and resolves the Principal.
// Every failure mode collapses to domain.ErrUnauthorized; callers log the
// specific cause server-side and never leak it to the client.
func (r *Resolver) Authenticate(ctx context.Context, credential string) (domain.Principal, error) {
	switch {
	case strings.HasPrefix(credential, APIKeyPrefix):
		return r.authenticateKey(ctx, credential)
	case strings.HasPrefix(credential, TokenPrefix):
		return r.authenticateToken(ctx, credential)
	default:
		return domain.Principal{}, domain.ErrUnauthorized
	}
}

func (r *Resolver) authenticateKey(ctx context.Context, credential string) (domain.Principal, error) {
	hash := crypto.HashAPIKey(credential)

	key, err := r.keys.GetByHash(ctx, hash)
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	if !key.IsActive {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	principal, err := r.resolveUser(ctx, key.UserID)
	if err != nil {
		return domain.Principal{}, err
	}

	// Last-used is bookkeeping. It runs detached from the request so a
	// slow or failing write can never block or fail authentication.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := r.keys.TouchLastUsed(touchCtx, hash, time.Now().UTC()); err != nil {
			slog.Warn("api key touch failed", "error", err, "user_id", key.UserID)
		}
	}()

	return principal, nil
}

func (r *Resolver) authenticateToken(ctx context.Context, credential string) (domain.Principal, error) {
	userID, err := r.signer.Verify(credential)
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	return r.resolveUser(ctx, userID)
}

func (r *Resolver) resolveUser(ctx context.Context, userID string) (domain.Principal, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	if !user.Active {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	return domain.Principal{
		UserID: user.ID,
		OrgID:  user.OrgID,
		Role:   user.Role,
	}, nil
}

// IssueToken mints a signed session token for userID, valid for ttl.
func (r *Resolver) IssueToken(userID string, ttl time.Duration) string {
	return r.signer.Issue(userID, ttl)
}
