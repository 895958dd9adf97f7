// Package ledger implements credit accounting on top of a WalletStore.
// Cost always derives from ModelProfile.Pricing, so the pre-flight estimate
// and the final bill can never disagree on price.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/notifications"
	"github.com/infergate/infergate/internal/queue"
	"github.com/infergate/infergate/internal/repository"
)

const hookTimeout = 5 * time.Second

type Ledger struct {
	store repository.WalletStore

	// Optional post-debit hooks. Both are best-effort and asynchronous.
	notifier     notifications.Notifier
	publisher    queue.Publisher
	lowWatermark float64

	alerts *alertGate
}

type Option func(*Ledger)

// WithLowBalanceAlerts sends a notification when a debit drops a wallet
// below watermark. Alerts deduplicate per user until the balance recovers.
func WithLowBalanceAlerts(n notifications.Notifier, watermark float64) Option {
	return func(l *Ledger) {
		l.notifier = n
		l.lowWatermark = watermark
	}
}

// WithUsageExport publishes one usage event per committed debit.
func WithUsageExport(p queue.Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

func New(store repository.WalletStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		alerts: newAlertGate(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Estimate prices a token count against the profile. This is the single
// pricing path for both prechecks and final billing.
func (l *Ledger) Estimate(profile domain.ModelProfile, tokensIn, tokensOut int) float64 {
	in := float64(tokensIn) / 1_000_000 * profile.Pricing.InputPerMillion
	out := float64(tokensOut) / 1_000_000 * profile.Pricing.OutputPerMillion
	return in + out
}

// Precheck reports whether the current balance covers the estimated cost.
// It reads without locking anything; Debit re-verifies atomically, so a
// passing precheck is advisory only.
func (l *Ledger) Precheck(ctx context.Context, userID string, profile domain.ModelProfile, tokensIn, tokensOut int) (bool, error) {
	cost := l.Estimate(profile, tokensIn, tokensOut)
	if cost == 0 {
		return true, nil
	}

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}

	return balance >= cost, nil
}

// DebitParams identifies one billable call.
type DebitParams struct {
	Principal domain.Principal
	Profile   domain.ModelProfile
	RequestID string
	TokensIn  int
	TokensOut int
}

// Debit bills one completed call. The store re-reads the balance, verifies
// it covers the actual cost, decrements it, and appends the ledger entry in
// a single atomic operation; on insufficient balance nothing is written and
// domain.ErrInsufficientCredits is returned.
func (l *Ledger) Debit(ctx context.Context, p DebitParams) (domain.UsageLedgerEntry, error) {
	entry := domain.UsageLedgerEntry{
		ID:        uuid.New().String(),
		UserID:    p.Principal.UserID,
		OrgID:     p.Principal.OrgID,
		Model:     p.Profile.ID,
		Provider:  p.Profile.Provider,
		RequestID: p.RequestID,
		TokensIn:  p.TokensIn,
		TokensOut: p.TokensOut,
		Cost:      l.Estimate(p.Profile, p.TokensIn, p.TokensOut),
		Kind:      domain.LedgerKindDebit,
		Timestamp: time.Now().UTC(),
	}

	if entry.Cost == 0 {
		// Free models (local backends) skip the wallet entirely but still
		// get a ledger row when the wallet exists; a missing wallet is not
		// an error for a zero-cost call.
		if err := l.store.Debit(ctx, entry); err != nil && err != domain.ErrWalletNotFound {
			return domain.UsageLedgerEntry{}, err
		}
		return entry, nil
	}

	if err := l.store.Debit(ctx, entry); err != nil {
		return domain.UsageLedgerEntry{}, err
	}

	l.afterDebit(entry)
	return entry, nil
}

// Credit grants credits to a wallet with an audit record.
func (l *Ledger) Credit(ctx context.Context, userID, reason string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %v", amount)
	}

	entry := domain.UsageLedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Cost:      amount,
		Kind:      domain.LedgerKindCredit,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	if err := l.store.Credit(ctx, entry); err != nil {
		return err
	}

	l.alerts.clear(userID)
	return nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	return l.store.Balance(ctx, userID)
}

func (l *Ledger) Entries(ctx context.Context, userID string, since time.Time) ([]domain.UsageLedgerEntry, error) {
	return l.store.Entries(ctx, userID, since)
}

// afterDebit runs the export and alert hooks off the request path. The
// debit has already committed; nothing here can affect its outcome.
func (l *Ledger) afterDebit(entry domain.UsageLedgerEntry) {
	if l.publisher == nil && l.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		if l.publisher != nil {
			event := queue.UsageEvent{
				EntryID:   entry.ID,
				UserID:    entry.UserID,
				OrgID:     entry.OrgID,
				Model:     entry.Model,
				Provider:  entry.Provider,
				RequestID: entry.RequestID,
				TokensIn:  entry.TokensIn,
				TokensOut: entry.TokensOut,
				Cost:      entry.Cost,
				CreatedAt: entry.Timestamp,
			}
			if err := l.publisher.Publish(ctx, event); err != nil {
				slog.Warn("usage export failed", "error", err, "entry_id", entry.ID)
			}
		}

		if l.notifier != nil {
			l.checkBalance(ctx, entry.UserID)
		}
	}()
}

func (l *Ledger) checkBalance(ctx context.Context, userID string) {
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		slog.Warn("balance check failed", "error", err, "user_id", userID)
		return
	}

	var kind notifications.NotificationType
	switch {
	case balance <= 0:
		kind = notifications.NotificationBalanceExhausted
	case balance < l.lowWatermark:
		kind = notifications.NotificationBalanceLow
	default:
		l.alerts.clear(userID)
		return
	}

	if !l.alerts.shouldAlert(userID, kind) {
		return
	}

	err = l.notifier.Send(ctx, notifications.Notification{
		Type:    kind,
		UserID:  userID,
		Message: fmt.Sprintf("wallet balance is %.4f", balance),
		Data:    map[string]interface{}{"balance": balance},
	})
	if err != nil {
		slog.Warn("balance alert failed", "error", err, "user_id", userID)
	}
}
