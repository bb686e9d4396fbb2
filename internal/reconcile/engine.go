package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"monoledger/internal/core"
)

// Ledger is the uniqueness-constrained store the engine writes into.
// InsertTransaction must be atomic with respect to the duplicate check:
// concurrent puts for one provider_txn_id yield exactly one row.
type Ledger interface {
	InsertTransaction(ctx context.Context, tx core.Transaction) (inserted bool, err error)
}

// Engine merges candidate batches from both ingestion paths into the
// ledger. It is the only component that writes transactions, which is
// what keeps the poll and webhook paths from racing each other into an
// inconsistent ledger: they race on the unique key, not on application
// state.
type Engine struct {
	ledger Ledger
}

func NewEngine(ledger Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// Rejection is one candidate that failed validation. Rejections are
// final: the record is logged and dropped, never retried.
type Rejection struct {
	Txn    core.Transaction
	Reason error
}

// Result classifies every candidate of a batch.
type Result struct {
	Accepted   []core.Transaction
	Duplicates []core.Transaction
	Rejected   []Rejection
}

// Reconcile merges a candidate batch for one account. Each candidate is
// an independent operation: a malformed record is rejected and the rest
// of the batch proceeds. Duplicates are the expected outcome of the two
// racing delivery paths and are not errors. A ledger (storage) error
// aborts the batch so the surrounding job can retry; everything already
// inserted is safe because puts are idempotent.
func (e *Engine) Reconcile(ctx context.Context, accountID string, batch []core.Transaction) (Result, error) {
	var res Result

	for _, tx := range batch {
		if tx.AccountID == "" {
			tx.AccountID = accountID
		}
		if tx.AccountID != accountID {
			res.Rejected = append(res.Rejected, Rejection{Txn: tx, Reason: core.ErrAccountMismatch})
			slog.WarnContext(ctx, "Candidate rejected",
				"account_id", accountID,
				"provider_txn_id", tx.ProviderTxnID,
				"reason", core.ErrAccountMismatch)
			continue
		}

		if err := tx.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Txn: tx, Reason: err})
			slog.WarnContext(ctx, "Candidate rejected",
				"account_id", accountID,
				"provider_txn_id", tx.ProviderTxnID,
				"reason", err)
			continue
		}

		inserted, err := e.ledger.InsertTransaction(ctx, tx)
		if err != nil {
			return res, fmt.Errorf("ledger put %s: %w", tx.ProviderTxnID, err)
		}

		if inserted {
			res.Accepted = append(res.Accepted, tx)
		} else {
			res.Duplicates = append(res.Duplicates, tx)
		}
	}

	slog.InfoContext(ctx, "Batch reconciled",
		"account_id", accountID,
		"accepted", len(res.Accepted),
		"duplicates", len(res.Duplicates),
		"rejected", len(res.Rejected))

	return res, nil
}
