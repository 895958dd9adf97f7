package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/notifications"
	"github.com/infergate/infergate/internal/queue"
	"github.com/infergate/infergate/internal/repository"
)

func paidProfile() domain.ModelProfile {
	return domain.ModelProfile{
		ID:               "paid-model",
		Provider:         "groq",
		BackendModelName: "backend-paid",
		Pricing:          domain.Pricing{InputPerMillion: 1.0, OutputPerMillion: 2.0},
	}
}

func freeProfile() domain.ModelProfile {
	return domain.ModelProfile{
		ID:               "local-model",
		Provider:         "ollama",
		BackendModelName: "backend-local",
	}
}

func debitParams(userID string, profile domain.ModelProfile, in, out int) DebitParams {
	return DebitParams{
		Principal: domain.Principal{UserID: userID, OrgID: "org-1"},
		Profile:   profile,
		RequestID: "req-1",
		TokensIn:  in,
		TokensOut: out,
	}
}

func TestEstimate(t *testing.T) {
	l := New(repository.NewInMemoryWalletStore())

	tests := []struct {
		name      string
		tokensIn  int
		tokensOut int
		want      float64
	}{
		{"zero tokens", 0, 0, 0},
		{"input only", 1_000_000, 0, 1.0},
		{"output only", 0, 1_000_000, 2.0},
		{"both", 500_000, 250_000, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Estimate(paidProfile(), tt.tokensIn, tt.tokensOut)
			if got != tt.want {
				t.Errorf("Estimate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrecheck(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 1.0)
	l := New(store)

	ok, err := l.Precheck(context.Background(), "u1", paidProfile(), 500_000, 0)
	if err != nil || !ok {
		t.Errorf("Precheck(affordable) = %v, %v; want true, nil", ok, err)
	}

	ok, err = l.Precheck(context.Background(), "u1", paidProfile(), 5_000_000, 0)
	if err != nil || ok {
		t.Errorf("Precheck(unaffordable) = %v, %v; want false, nil", ok, err)
	}

	// Zero-cost models pass even without a wallet.
	ok, err = l.Precheck(context.Background(), "no-wallet", freeProfile(), 1000, 1000)
	if err != nil || !ok {
		t.Errorf("Precheck(free model) = %v, %v; want true, nil", ok, err)
	}
}

func TestPrecheckDoesNotMutate(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 10.0)
	l := New(store)

	for i := 0; i < 5; i++ {
		if _, err := l.Precheck(context.Background(), "u1", paidProfile(), 1_000_000, 0); err != nil {
			t.Fatal(err)
		}
	}

	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 10.0 {
		t.Errorf("balance after prechecks = %v, want 10.0 unchanged", balance)
	}
	entries, _ := l.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 0 {
		t.Errorf("prechecks wrote %d ledger entries, want 0", len(entries))
	}
}

func TestDebitDecrementsAndRecords(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 10.0)
	l := New(store)

	entry, err := l.Debit(context.Background(), debitParams("u1", paidProfile(), 1_000_000, 500_000))
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}

	// 1M in at $1/M + 0.5M out at $2/M.
	if entry.Cost != 2.0 {
		t.Errorf("entry.Cost = %v, want 2.0", entry.Cost)
	}
	if entry.Model != "paid-model" || entry.Provider != "groq" {
		t.Errorf("entry identifies %s/%s", entry.Provider, entry.Model)
	}

	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 8.0 {
		t.Errorf("balance = %v, want 8.0", balance)
	}

	entries, _ := l.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Kind != domain.LedgerKindDebit {
		t.Errorf("entry kind = %q", entries[0].Kind)
	}
}

func TestDebitInsufficientWritesNothing(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 0.5)
	l := New(store)

	_, err := l.Debit(context.Background(), debitParams("u1", paidProfile(), 1_000_000, 0))
	if err != domain.ErrInsufficientCredits {
		t.Fatalf("Debit() error = %v, want ErrInsufficientCredits", err)
	}

	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 0.5 {
		t.Errorf("balance = %v, want 0.5 unchanged", balance)
	}
	entries, _ := l.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 0 {
		t.Errorf("failed debit wrote %d ledger entries, want 0", len(entries))
	}
}

func TestDebitZeroCostWithoutWallet(t *testing.T) {
	l := New(repository.NewInMemoryWalletStore())

	entry, err := l.Debit(context.Background(), debitParams("no-wallet", freeProfile(), 1000, 1000))
	if err != nil {
		t.Fatalf("Debit(free model) error = %v", err)
	}
	if entry.Cost != 0 {
		t.Errorf("entry.Cost = %v, want 0", entry.Cost)
	}
}

// Concurrent debits against one wallet must never jointly overdraw it:
// exactly floor(balance/cost) of them may succeed.
func TestConcurrentDebitsCannotOverdraw(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 5.0)
	l := New(store)

	const attempts = 20
	// Each debit costs 1.0: 1M input tokens at $1/M.
	params := debitParams("u1", paidProfile(), 1_000_000, 0)

	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(context.Background(), params)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, refused := 0, 0
	for err := range results {
		switch err {
		case nil:
			succeeded++
		case domain.ErrInsufficientCredits:
			refused++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}

	if succeeded != 5 {
		t.Errorf("succeeded = %d, want exactly 5", succeeded)
	}
	if refused != attempts-5 {
		t.Errorf("refused = %d, want %d", refused, attempts-5)
	}

	balance, _ := l.Balance(context.Background(), "u1")
	if balance != 0 {
		t.Errorf("final balance = %v, want 0", balance)
	}

	entries, _ := l.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 5 {
		t.Errorf("ledger entries = %d, want 5", len(entries))
	}
}

func TestCreditRequiresPositiveAmount(t *testing.T) {
	l := New(repository.NewInMemoryWalletStore())

	if err := l.Credit(context.Background(), "u1", "grant", 0); err == nil {
		t.Error("Credit(0) = nil error, want error")
	}
	if err := l.Credit(context.Background(), "u1", "grant", -5); err == nil {
		t.Error("Credit(-5) = nil error, want error")
	}
}

func TestCreditCreatesWallet(t *testing.T) {
	l := New(repository.NewInMemoryWalletStore())

	if err := l.Credit(context.Background(), "new-user", "initial grant", 25.0); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	balance, err := l.Balance(context.Background(), "new-user")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 25.0 {
		t.Errorf("balance = %v, want 25.0", balance)
	}
}

func TestLowBalanceAlertFiresOnce(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 2.5)
	notifier := notifications.NewInMemoryNotifier()
	l := New(store, WithLowBalanceAlerts(notifier, 2.0))

	params := debitParams("u1", paidProfile(), 1_000_000, 0)

	// First debit drops the balance to 1.5, below the watermark.
	if _, err := l.Debit(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(notifier.Notifications()) == 1 })

	got := notifier.Notifications()[0]
	if got.Type != notifications.NotificationBalanceLow || got.UserID != "u1" {
		t.Errorf("notification = %+v", got)
	}

	// Second debit stays below the watermark but must not re-alert.
	if _, err := l.Debit(context.Background(), debitParams("u1", paidProfile(), 500_000, 0)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(notifier.Notifications()); n != 1 {
		t.Errorf("notifications after second debit = %d, want 1", n)
	}

	// A credit clears the gate; dropping below the watermark again re-alerts.
	if err := l.Credit(context.Background(), "u1", "top up", 2.0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Debit(context.Background(), debitParams("u1", paidProfile(), 2_000_000, 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(notifier.Notifications()) == 2 })
}

func TestUsageExportPublishesEntry(t *testing.T) {
	store := repository.NewInMemoryWalletStore()
	store.SetBalance("u1", 10.0)
	publisher := queue.NewInMemoryPublisher()
	l := New(store, WithUsageExport(publisher))

	entry, err := l.Debit(context.Background(), debitParams("u1", paidProfile(), 1_000_000, 0))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(publisher.Events()) == 1 })

	event := publisher.Events()[0]
	if event.EntryID != entry.ID {
		t.Errorf("event.EntryID = %q, want %q", event.EntryID, entry.ID)
	}
	if event.Cost != entry.Cost || event.Model != "paid-model" {
		t.Errorf("event = %+v", event)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
