package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"monoledger/internal/core"

	_ "modernc.org/sqlite"
)

var ErrAccountNotFound = errors.New("account not found")

// SQLiteRepository is the durable store shared by the serving and worker
// roles: the transaction ledger, tracked accounts, the ingestion job
// queue and per-account leases all live in one SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL and a busy timeout let the two roles share the file without
	// tripping over transient locks.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// InsertTransaction writes one ledger record. The uniqueness check and
// the insert are a single atomic statement: concurrent puts for the same
// provider_txn_id from the poll and webhook paths both succeed, and
// exactly one row ever exists. Returns false when the record was already
// present.
func (r *SQLiteRepository) InsertTransaction(ctx context.Context, tx core.Transaction) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (
			provider_txn_id, account_id, amount, operation_amount,
			currency_code, occurred_at, mcc, description, comment,
			balance, hold, raw_payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_txn_id) DO NOTHING`,
		tx.ProviderTxnID, tx.AccountID, tx.Amount.Cents, tx.OperationAmount.Cents,
		tx.CurrencyCode, tx.OccurredAt, tx.MCC, tx.Description, tx.Comment,
		tx.Balance, boolToInt(tx.Hold), string(tx.RawPayload), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if n > 0 {
		slog.DebugContext(ctx, "Transaction inserted",
			"provider_txn_id", tx.ProviderTxnID,
			"account_id", tx.AccountID,
			"amount", tx.Amount.Format(tx.CurrencyCode))
	}

	return n > 0, nil
}

func (r *SQLiteRepository) TransactionExists(ctx context.Context, providerTxnID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM transactions WHERE provider_txn_id = ?`, providerTxnID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transaction exists: %w", err)
	}
	return true, nil
}

// ListTransactions returns an account's records within [from, to],
// ordered by occurrence time then id. This is the read interface exposed
// to the web API collaborator.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, accountID string, from, to time.Time) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_txn_id, account_id, amount, operation_amount,
		       currency_code, occurred_at, mcc, description, comment,
		       balance, hold, raw_payload
		FROM transactions
		WHERE account_id = ? AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at, provider_txn_id`,
		accountID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListTransactionsSince returns an account's records strictly after the
// given unix-seconds watermark, oldest first.
func (r *SQLiteRepository) ListTransactionsSince(ctx context.Context, accountID string, afterUnix int64) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_txn_id, account_id, amount, operation_amount,
		       currency_code, occurred_at, mcc, description, comment,
		       balance, hold, raw_payload
		FROM transactions
		WHERE account_id = ? AND occurred_at > ?
		ORDER BY occurred_at, provider_txn_id`,
		accountID, afterUnix)
	if err != nil {
		return nil, fmt.Errorf("list transactions since: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var txns []core.Transaction
	for rows.Next() {
		var (
			tx   core.Transaction
			hold int
			raw  string
		)
		if err := rows.Scan(
			&tx.ProviderTxnID, &tx.AccountID, &tx.Amount.Cents, &tx.OperationAmount.Cents,
			&tx.CurrencyCode, &tx.OccurredAt, &tx.MCC, &tx.Description, &tx.Comment,
			&tx.Balance, &hold, &raw,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Hold = hold != 0
		tx.RawPayload = []byte(raw)
		txns = append(txns, tx)
	}
	return txns, rows.Err()
}

// UpsertAccount creates or refreshes a tracked account. Poll state
// (cursor, last poll, failure counter) is preserved on update; only the
// poller advances those.
func (r *SQLiteRepository) UpsertAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, token, kind, title, currency_code, webhook_registered, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			kind = excluded.kind,
			title = excluded.title,
			currency_code = excluded.currency_code,
			active = excluded.active`,
		a.ID, a.Token, string(a.Kind), a.Title, a.CurrencyCode,
		boolToInt(a.WebhookRegistered), boolToInt(a.Active), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	slog.InfoContext(ctx, "Account upserted",
		"account_id", a.ID,
		"kind", a.Kind,
		"active", a.Active)
	return nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (core.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, token, kind, title, currency_code, webhook_registered, active, last_poll_at, poll_cursor
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (r *SQLiteRepository) ListActiveAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, kind, title, currency_code, webhook_registered, active, last_poll_at, poll_cursor
		FROM accounts WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListAccountsDueForPoll returns active accounts whose last poll is older
// than the cutoff (or that have never been polled).
func (r *SQLiteRepository) ListAccountsDueForPoll(ctx context.Context, olderThan time.Time) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, kind, title, currency_code, webhook_registered, active, last_poll_at, poll_cursor
		FROM accounts
		WHERE active = 1 AND (last_poll_at IS NULL OR last_poll_at <= ?)
		ORDER BY id`, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("list accounts due for poll: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListWebhookUnregistered returns active accounts still waiting for
// provider webhook registration.
func (r *SQLiteRepository) ListWebhookUnregistered(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, kind, title, currency_code, webhook_registered, active, last_poll_at, poll_cursor
		FROM accounts WHERE active = 1 AND webhook_registered = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list webhook unregistered: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// AdvanceCursor moves the account's poll watermark. Called only after a
// batch is durably reconciled, so a crash before this point just means
// an overlapping, idempotent re-fetch. Also clears the consecutive
// failure counter.
func (r *SQLiteRepository) AdvanceCursor(ctx context.Context, accountID, cursor string, polledAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET poll_cursor = ?, last_poll_at = ?, poll_failures = 0
		WHERE id = ?`,
		cursor, polledAt.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	slog.InfoContext(ctx, "Poll cursor advanced",
		"account_id", accountID,
		"cursor", cursor)
	return nil
}

// TouchLastPoll records a successful poll that produced no new cursor
// (empty window). The failure counter resets like a full advance.
func (r *SQLiteRepository) TouchLastPoll(ctx context.Context, accountID string, polledAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET last_poll_at = ?, poll_failures = 0 WHERE id = ?`,
		polledAt.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("touch last poll: %w", err)
	}
	return nil
}

// RecordPollFailure increments and returns the account's consecutive
// failure counter. The counter survives worker restarts so escalation
// thresholds hold across deploys.
func (r *SQLiteRepository) RecordPollFailure(ctx context.Context, accountID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET poll_failures = poll_failures + 1 WHERE id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("record poll failure: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT poll_failures FROM accounts WHERE id = ?`, accountID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("read poll failures: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

func (r *SQLiteRepository) MarkWebhookRegistered(ctx context.Context, accountID string, registered bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET webhook_registered = ? WHERE id = ?`,
		boolToInt(registered), accountID)
	if err != nil {
		return fmt.Errorf("mark webhook registered: %w", err)
	}
	return nil
}

// RetireAccount soft-retires an unlinked account. The ledger rows stay.
func (r *SQLiteRepository) RetireAccount(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET active = 0 WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("retire account: %w", err)
	}
	slog.InfoContext(ctx, "Account retired", "account_id", accountID)
	return nil
}

type accountScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row accountScanner) (core.Account, error) {
	var (
		a          core.Account
		kind       string
		registered int
		active     int
		lastPoll   sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Token, &kind, &a.Title, &a.CurrencyCode,
		&registered, &active, &lastPoll, &a.PollCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.Kind = core.AccountKind(kind)
	a.WebhookRegistered = registered != 0
	a.Active = active != 0
	if lastPoll.Valid {
		a.LastPollAt = time.Unix(lastPoll.Int64, 0).UTC()
	}
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]core.Account, error) {
	var accounts []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
