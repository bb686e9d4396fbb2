package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"monoledger/internal/core"
	"monoledger/internal/monobank"
	"monoledger/internal/notify"
	"monoledger/internal/reconcile"
)

// StatementFetcher is the provider call the poller depends on.
type StatementFetcher interface {
	GetStatement(ctx context.Context, token, accountRef string, from, to time.Time) ([]monobank.StatementItem, error)
}

// Store is the poll-state slice of the repository.
type Store interface {
	AdvanceCursor(ctx context.Context, accountID, cursor string, polledAt time.Time) error
	TouchLastPoll(ctx context.Context, accountID string, polledAt time.Time) error
	RecordPollFailure(ctx context.Context, accountID string) (int, error)
}

// Reconciler merges fetched candidates into the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID string, batch []core.Transaction) (reconcile.Result, error)
}

// Poller fetches provider statements for one account at a time and
// hands the candidates to the reconciliation engine. It is the backup
// ingestion path: it must find everything webhooks delivered (and
// everything they missed), and rely on ledger idempotency to make the
// overlap harmless.
type Poller struct {
	fetcher       StatementFetcher
	store         Store
	engine        Reconciler
	notifier      notify.Notifier
	failThreshold int

	now func() time.Time
}

func New(fetcher StatementFetcher, store Store, engine Reconciler, notifier notify.Notifier, failThreshold int) *Poller {
	return &Poller{
		fetcher:       fetcher,
		store:         store,
		engine:        engine,
		notifier:      notifier,
		failThreshold: failThreshold,
		now:           time.Now,
	}
}

// Poll fetches the account's statement from its cursor up to now and
// reconciles every window. The cursor only advances after a window is
// durably reconciled; a failure mid-way leaves the cursor at the last
// good window, so the next poll re-fetches an overlapping, idempotent
// range. The provider caps a statement request at 30 days, so an
// account that has been quiet longer than that is caught up window by
// window.
func (p *Poller) Poll(ctx context.Context, account core.Account) error {
	if !account.Active {
		return core.ErrInactiveAccount
	}

	now := p.now()
	from := p.windowStart(ctx, account, now)

	var (
		accepted   int
		duplicates int
		advanced   bool
	)

	for from.Before(now) {
		to := from.Add(monobank.StatementWindow)
		if to.After(now) {
			to = now
		}

		items, err := p.fetcher.GetStatement(ctx, account.Token, account.ID, from, to)
		if err != nil {
			return p.recordFailure(ctx, account.ID, fmt.Errorf("fetch statement: %w", err))
		}

		if len(items) > 0 {
			batch := make([]core.Transaction, 0, len(items))
			for _, item := range items {
				batch = append(batch, item.Transaction(account.ID))
			}

			res, err := p.engine.Reconcile(ctx, account.ID, batch)
			accepted += len(res.Accepted)
			duplicates += len(res.Duplicates)
			if err != nil {
				return p.recordFailure(ctx, account.ID, fmt.Errorf("reconcile window: %w", err))
			}

			cursor := newestOccurredAt(batch)
			if err := p.store.AdvanceCursor(ctx, account.ID, strconv.FormatInt(cursor, 10), p.now()); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			advanced = true
		}

		from = to
	}

	if !advanced {
		if err := p.store.TouchLastPoll(ctx, account.ID, p.now()); err != nil {
			return fmt.Errorf("touch last poll: %w", err)
		}
	}

	slog.InfoContext(ctx, "Account polled",
		"account_id", account.ID,
		"accepted", accepted,
		"duplicates", duplicates)
	return nil
}

// windowStart resolves the poll's starting point. A fresh account (or
// one with an unreadable cursor) bootstraps with the provider's maximum
// lookback.
func (p *Poller) windowStart(ctx context.Context, account core.Account, now time.Time) time.Time {
	if account.PollCursor == "" {
		return now.Add(-monobank.StatementWindow)
	}

	unix, err := strconv.ParseInt(account.PollCursor, 10, 64)
	if err != nil {
		slog.WarnContext(ctx, "Unreadable poll cursor, bootstrapping window",
			"account_id", account.ID,
			"cursor", account.PollCursor)
		return now.Add(-monobank.StatementWindow)
	}

	// Start at the cursor itself, not a second past it: re-fetching the
	// watermark transaction is an idempotent duplicate, skipping a
	// same-second sibling would be a gap.
	return time.Unix(unix, 0).UTC()
}

func (p *Poller) recordFailure(ctx context.Context, accountID string, cause error) error {
	count, err := p.store.RecordPollFailure(ctx, accountID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to record poll failure",
			"account_id", accountID,
			"error", err)
		return cause
	}

	slog.WarnContext(ctx, "Poll failed",
		"account_id", accountID,
		"consecutive_failures", count,
		"error", cause)

	if count >= p.failThreshold {
		notify.Notifyf(ctx, p.notifier, notify.SeverityError,
			"account %s has failed %d consecutive polls: %v", accountID, count, cause)
	}
	return cause
}

func newestOccurredAt(batch []core.Transaction) int64 {
	var newest int64
	for _, tx := range batch {
		if tx.OccurredAt > newest {
			newest = tx.OccurredAt
		}
	}
	return newest
}
