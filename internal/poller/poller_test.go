package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"monoledger/internal/core"
	"monoledger/internal/monobank"
	"monoledger/internal/notify"
	"monoledger/internal/reconcile"
)

type fetchCall struct {
	from, to time.Time
}

type fakeFetcher struct {
	calls []fetchCall
	items map[int][]monobank.StatementItem // by call index
	errOn int                              // 1-based call index that errors, 0 = never
}

func (f *fakeFetcher) GetStatement(ctx context.Context, token, accountRef string, from, to time.Time) ([]monobank.StatementItem, error) {
	f.calls = append(f.calls, fetchCall{from: from, to: to})
	if f.errOn == len(f.calls) {
		return nil, core.ErrProviderUnavailable
	}
	return f.items[len(f.calls)-1], nil
}

type fakeStore struct {
	cursor       string
	cursorMoves  int
	touched      int
	failures     int
	failureErr   error
}

func (s *fakeStore) AdvanceCursor(ctx context.Context, accountID, cursor string, polledAt time.Time) error {
	s.cursor = cursor
	s.cursorMoves++
	return nil
}

func (s *fakeStore) TouchLastPoll(ctx context.Context, accountID string, polledAt time.Time) error {
	s.touched++
	return nil
}

func (s *fakeStore) RecordPollFailure(ctx context.Context, accountID string) (int, error) {
	if s.failureErr != nil {
		return 0, s.failureErr
	}
	s.failures++
	return s.failures, nil
}

type memLedger struct {
	mu      sync.Mutex
	records map[string]core.Transaction
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]core.Transaction)}
}

func (l *memLedger) InsertTransaction(ctx context.Context, tx core.Transaction) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.records[tx.ProviderTxnID]; exists {
		return false, nil
	}
	l.records[tx.ProviderTxnID] = tx
	return true, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, severity notify.Severity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func item(id string, at int64) monobank.StatementItem {
	return monobank.StatementItem{ID: id, Time: at, Amount: -100, CurrencyCode: 980}
}

func testAccount(cursor string) core.Account {
	return core.Account{
		ID:           "acc-1",
		Token:        "tok",
		Kind:         core.AccountCard,
		CurrencyCode: 980,
		Active:       true,
		PollCursor:   cursor,
	}
}

func newTestPoller(fetcher *fakeFetcher, store *fakeStore, ledger *memLedger, notifier notify.Notifier, now time.Time) *Poller {
	p := New(fetcher, store, reconcile.NewEngine(ledger), notifier, 3)
	p.now = func() time.Time { return now }
	return p
}

func TestPoll_BootstrapWindow(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{items: map[int][]monobank.StatementItem{}}
	store := &fakeStore{}
	p := newTestPoller(fetcher, store, newMemLedger(), &recordingNotifier{}, now)

	if err := p.Poll(context.Background(), testAccount("")); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(fetcher.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(fetcher.calls))
	}
	wantFrom := now.Add(-monobank.StatementWindow)
	if !fetcher.calls[0].from.Equal(wantFrom) || !fetcher.calls[0].to.Equal(now) {
		t.Errorf("window = [%v, %v], want [%v, %v]",
			fetcher.calls[0].from, fetcher.calls[0].to, wantFrom, now)
	}
	if store.touched != 1 || store.cursorMoves != 0 {
		t.Errorf("empty window must touch without advancing: touched=%d moves=%d",
			store.touched, store.cursorMoves)
	}
}

func TestPoll_AdvancesCursorToNewestItem(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{items: map[int][]monobank.StatementItem{
		0: {item("T1", 1699990000), item("T2", 1699995000), item("T3", 1699991000)},
	}}
	store := &fakeStore{}
	ledger := newMemLedger()
	p := newTestPoller(fetcher, store, ledger, &recordingNotifier{}, now)

	if err := p.Poll(context.Background(), testAccount("1699980000")); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if store.cursor != "1699995000" {
		t.Errorf("cursor = %q, want newest occurred_at", store.cursor)
	}
	if len(ledger.records) != 3 {
		t.Errorf("ledger has %d records, want 3", len(ledger.records))
	}
	if fetcher.calls[0].from.Unix() != 1699980000 {
		t.Errorf("window must start at the cursor, got %d", fetcher.calls[0].from.Unix())
	}
}

func TestPoll_ChunksLongGapIntoWindows(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	// Cursor 70 days back: three windows of at most 30 days each.
	cursor := now.Add(-70 * 24 * time.Hour)
	fetcher := &fakeFetcher{items: map[int][]monobank.StatementItem{
		0: {item("old-1", cursor.Unix() + 100)},
		2: {item("new-1", now.Unix() - 100)},
	}}
	store := &fakeStore{}
	p := newTestPoller(fetcher, store, newMemLedger(), &recordingNotifier{}, now)

	if err := p.Poll(context.Background(), testAccount(strconv.FormatInt(cursor.Unix(), 10))); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if len(fetcher.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(fetcher.calls))
	}
	for i, call := range fetcher.calls {
		if span := call.to.Sub(call.from); span > monobank.StatementWindow {
			t.Errorf("call %d spans %v, exceeds provider window", i, span)
		}
	}
	if !fetcher.calls[2].to.Equal(now) {
		t.Errorf("final window must end at now, got %v", fetcher.calls[2].to)
	}
	if store.cursor != strconv.FormatInt(now.Unix()-100, 10) {
		t.Errorf("cursor = %q", store.cursor)
	}
}

func TestPoll_FetchErrorLeavesCursor(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{errOn: 1}
	store := &fakeStore{}
	p := newTestPoller(fetcher, store, newMemLedger(), &recordingNotifier{}, now)

	err := p.Poll(context.Background(), testAccount("1699990000"))
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Fatalf("got %v, want ErrProviderUnavailable", err)
	}
	if store.cursorMoves != 0 || store.touched != 0 {
		t.Error("failed poll must not move poll state")
	}
	if store.failures != 1 {
		t.Errorf("failures = %d, want 1", store.failures)
	}
}

func TestPoll_EscalatesAfterThreshold(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	notifier := &recordingNotifier{}
	store := &fakeStore{}

	for i := 0; i < 3; i++ {
		fetcher := &fakeFetcher{errOn: 1}
		p := newTestPoller(fetcher, store, newMemLedger(), notifier, now)
		if err := p.Poll(context.Background(), testAccount("1699990000")); err == nil {
			t.Fatalf("poll %d should fail", i+1)
		}
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.messages) != 1 {
		t.Fatalf("notifications = %d, want 1 (only at the threshold)", len(notifier.messages))
	}
}

func TestPoll_InactiveAccountRefused(t *testing.T) {
	p := newTestPoller(&fakeFetcher{}, &fakeStore{}, newMemLedger(), &recordingNotifier{}, time.Now())
	acc := testAccount("")
	acc.Active = false
	if err := p.Poll(context.Background(), acc); !errors.Is(err, core.ErrInactiveAccount) {
		t.Fatalf("got %v, want ErrInactiveAccount", err)
	}
}

func TestPoll_RepollIsIdempotent(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	items := map[int][]monobank.StatementItem{
		0: {item("T1", 1699990000), item("T2", 1699991000)},
		1: {item("T1", 1699990000), item("T2", 1699991000)},
	}
	ledger := newMemLedger()
	store := &fakeStore{}

	for i := 0; i < 2; i++ {
		fetcher := &fakeFetcher{items: map[int][]monobank.StatementItem{0: items[i]}}
		p := newTestPoller(fetcher, store, ledger, &recordingNotifier{}, now)
		if err := p.Poll(context.Background(), testAccount("1699980000")); err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
	}

	if len(ledger.records) != 2 {
		t.Fatalf("ledger has %d records, want 2", len(ledger.records))
	}
}

func TestPoll_ReconcileErrorRecordsFailure(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fetcher := &fakeFetcher{items: map[int][]monobank.StatementItem{
		0: {item("T1", 1699990000)},
	}}
	store := &fakeStore{}
	p := New(fetcher, store, failingReconciler{}, &recordingNotifier{}, 3)
	p.now = func() time.Time { return now }

	if err := p.Poll(context.Background(), testAccount("1699980000")); err == nil {
		t.Fatal("reconcile failure must fail the poll")
	}
	if store.failures != 1 {
		t.Errorf("failures = %d, want 1", store.failures)
	}
	if store.cursorMoves != 0 {
		t.Error("cursor must not advance past a failed window")
	}
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(ctx context.Context, accountID string, batch []core.Transaction) (reconcile.Result, error) {
	return reconcile.Result{}, fmt.Errorf("ledger unavailable")
}
