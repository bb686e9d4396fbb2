package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"monoledger/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "monoledger.db"))
	if err != nil {
		t.Fatalf("open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedAccount(t *testing.T, repo *SQLiteRepository, id string) core.Account {
	t.Helper()
	account := core.Account{
		ID:           id,
		Token:        "token-" + id,
		Kind:         core.AccountCard,
		Title:        "Black card",
		CurrencyCode: 980,
		Active:       true,
	}
	if err := repo.UpsertAccount(context.Background(), account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func testTransaction(accountID, txnID string, occurredAt int64) core.Transaction {
	return core.Transaction{
		ProviderTxnID: txnID,
		AccountID:     accountID,
		Amount:        core.Money{Cents: -4200},
		CurrencyCode:  980,
		OccurredAt:    occurredAt,
		MCC:           5411,
		Description:   "Groceries",
		RawPayload:    []byte(`{"id":"` + txnID + `"}`),
	}
}

func TestInsertTransaction_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-1")

	tx := testTransaction("acc-1", "txn-1", 1700000000)

	inserted, err := repo.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted")
	}

	inserted, err = repo.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert must report already-exists")
	}

	exists, err := repo.TransactionExists(ctx, "txn-1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("transaction should exist")
	}

	txns, err := repo.ListTransactionsSince(ctx, "acc-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(txns))
	}
}

func TestInsertTransaction_ConcurrentSameID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-1")

	const writers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.InsertTransaction(ctx, testTransaction("acc-1", "txn-race", 1700000000))
			if err != nil {
				t.Errorf("concurrent insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("%d writers reported inserted, want exactly 1", inserted)
	}

	txns, err := repo.ListTransactionsSince(ctx, "acc-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(txns))
	}
}

func TestListTransactions_RangeAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-1")
	seedAccount(t, repo, "acc-2")

	base := int64(1700000000)
	for _, tx := range []core.Transaction{
		testTransaction("acc-1", "txn-c", base+300),
		testTransaction("acc-1", "txn-a", base+100),
		testTransaction("acc-1", "txn-b", base+200),
		testTransaction("acc-2", "txn-other", base+150),
	} {
		if _, err := repo.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert %s: %v", tx.ProviderTxnID, err)
		}
	}

	from := time.Unix(base+100, 0)
	to := time.Unix(base+200, 0)
	txns, err := repo.ListTransactions(ctx, "acc-1", from, to)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d records, want 2", len(txns))
	}
	if txns[0].ProviderTxnID != "txn-a" || txns[1].ProviderTxnID != "txn-b" {
		t.Errorf("wrong order: %s, %s", txns[0].ProviderTxnID, txns[1].ProviderTxnID)
	}

	since, err := repo.ListTransactionsSince(ctx, "acc-1", base+100)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("since watermark is exclusive: got %d records, want 2", len(since))
	}
	if since[0].ProviderTxnID != "txn-b" {
		t.Errorf("since starts at %s, want txn-b", since[0].ProviderTxnID)
	}
}

func TestAccount_PollStateLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-1")

	// Failures accumulate
	for want := 1; want <= 3; want++ {
		count, err := repo.RecordPollFailure(ctx, "acc-1")
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if count != want {
			t.Fatalf("failure count = %d, want %d", count, want)
		}
	}

	// A successful poll advances the cursor and clears the counter
	polledAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.AdvanceCursor(ctx, "acc-1", "1700000300", polledAt); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}

	account, err := repo.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.PollCursor != "1700000300" {
		t.Errorf("cursor = %q, want 1700000300", account.PollCursor)
	}
	if !account.LastPollAt.Equal(polledAt) {
		t.Errorf("last poll = %v, want %v", account.LastPollAt, polledAt)
	}

	count, err := repo.RecordPollFailure(ctx, "acc-1")
	if err != nil {
		t.Fatalf("record failure after advance: %v", err)
	}
	if count != 1 {
		t.Errorf("counter after advance = %d, want 1 (reset)", count)
	}

	// Upsert must not clobber poll state
	if err := repo.UpsertAccount(ctx, core.Account{
		ID: "acc-1", Token: "rotated", Kind: core.AccountCard, CurrencyCode: 980, Active: true,
	}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	account, err = repo.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.PollCursor != "1700000300" {
		t.Errorf("upsert clobbered cursor: %q", account.PollCursor)
	}
	if account.Token != "rotated" {
		t.Errorf("token not updated: %q", account.Token)
	}
}

func TestAccount_DueForPollAndRetire(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-new")
	seedAccount(t, repo, "acc-stale")
	seedAccount(t, repo, "acc-fresh")
	seedAccount(t, repo, "acc-retired")

	now := time.Now()
	if err := repo.AdvanceCursor(ctx, "acc-stale", "1", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := repo.AdvanceCursor(ctx, "acc-fresh", "1", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := repo.RetireAccount(ctx, "acc-retired"); err != nil {
		t.Fatal(err)
	}

	due, err := repo.ListAccountsDueForPoll(ctx, now.Add(-45*time.Minute))
	if err != nil {
		t.Fatalf("due for poll: %v", err)
	}
	ids := map[string]bool{}
	for _, a := range due {
		ids[a.ID] = true
	}
	if !ids["acc-new"] || !ids["acc-stale"] {
		t.Errorf("never-polled and stale accounts must be due, got %v", ids)
	}
	if ids["acc-fresh"] {
		t.Error("freshly polled account must not be due")
	}
	if ids["acc-retired"] {
		t.Error("retired account must not be due")
	}
}

func TestAccount_WebhookRegistration(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedAccount(t, repo, "acc-1")
	seedAccount(t, repo, "acc-2")

	if err := repo.MarkWebhookRegistered(ctx, "acc-1", true); err != nil {
		t.Fatalf("mark registered: %v", err)
	}

	pending, err := repo.ListWebhookUnregistered(ctx)
	if err != nil {
		t.Fatalf("list unregistered: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "acc-2" {
		t.Fatalf("unregistered = %v, want only acc-2", pending)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetAccount(context.Background(), "missing")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("got %v, want ErrAccountNotFound", err)
	}
}
