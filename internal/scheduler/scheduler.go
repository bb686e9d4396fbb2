package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"monoledger/internal/core"
	"monoledger/internal/monobank"
	"monoledger/internal/notify"
	"monoledger/internal/reconcile"
	"monoledger/internal/storage"
)

const (
	scheduleInterval  = time.Minute
	dispatchBatchSize = 10
	leaseGrace        = 30 * time.Second

	// registerFailThreshold is how many consecutive registration
	// failures for one account page the operator. One page per outage;
	// the counter clears on success.
	registerFailThreshold = 3

	backoffBase = time.Minute
	backoffCap  = 30 * time.Minute
)

// AccountPoller runs one statement poll for an account.
type AccountPoller interface {
	Poll(ctx context.Context, account core.Account) error
}

// Reconciler merges webhook candidates into the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID string, batch []core.Transaction) (reconcile.Result, error)
}

// WebhookRegistrar points the provider's push deliveries at our URL.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, token, webhookURL string) error
}

// Options carries the scheduler's tunables.
type Options struct {
	RefreshInterval  time.Duration
	DispatchInterval time.Duration
	MaxAttempts      int
	ExecTimeout      time.Duration
	AutoFetch        bool
	ApplyWebhooks    bool
	WebhookURL       string
}

// Scheduler owns the ingestion job lifecycle: it enqueues scheduled
// polls for due accounts, dispatches pending jobs under the per-account
// lease, drives the retry state machine, and keeps provider webhook
// registrations current. One Scheduler runs per worker process; the
// database lease keeps concurrent workers from touching the same
// account at once.
type Scheduler struct {
	store    *storage.SQLiteRepository
	poller   AccountPoller
	engine   Reconciler
	provider WebhookRegistrar
	notifier notify.Notifier
	opts     Options

	// owner identifies this worker in lease rows.
	owner string

	// regRetry tracks webhook registration failures per account. Only
	// the run loop touches it.
	regRetry map[string]regState

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

type regState struct {
	failures int
	nextTry  time.Time
}

func New(store *storage.SQLiteRepository, poller AccountPoller, engine Reconciler, provider WebhookRegistrar, notifier notify.Notifier, opts Options) *Scheduler {
	return &Scheduler{
		store:    store,
		poller:   poller,
		engine:   engine,
		provider: provider,
		notifier: notifier,
		opts:     opts,
		owner:    uuid.NewString(),
		regRetry: make(map[string]regState),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start recovers jobs a crashed worker left in running state, then runs
// the schedule and dispatch loops until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	cutoff := s.now().Add(-(s.opts.ExecTimeout + leaseGrace))
	if _, err := s.store.ResetStaleRunning(ctx, cutoff); err != nil {
		return fmt.Errorf("reset stale jobs: %w", err)
	}

	go s.run(ctx)

	slog.InfoContext(ctx, "Scheduler started",
		"owner", s.owner,
		"auto_fetch", s.opts.AutoFetch,
		"apply_webhooks", s.opts.ApplyWebhooks)
	return nil
}

// Stop signals the loops to finish and waits for in-flight work.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	slog.Info("Scheduler stopped", "owner", s.owner)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	scheduleTicker := time.NewTicker(scheduleInterval)
	defer scheduleTicker.Stop()
	dispatchTicker := time.NewTicker(s.opts.DispatchInterval)
	defer dispatchTicker.Stop()

	// First pass immediately: a restarted worker should not sit idle
	// for a full tick while due work waits.
	s.schedulePolls(ctx)
	s.registerWebhooks(ctx)
	s.dispatchDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-scheduleTicker.C:
			s.schedulePolls(ctx)
			s.registerWebhooks(ctx)
		case <-dispatchTicker.C:
			s.dispatchDue(ctx)
		}
	}
}

// schedulePolls enqueues a scheduled poll for every active account
// whose last poll is older than the refresh interval, unless one is
// already queued or running for it.
func (s *Scheduler) schedulePolls(ctx context.Context) {
	if !s.opts.AutoFetch {
		return
	}

	accounts, err := s.store.ListAccountsDueForPoll(ctx, s.now().Add(-s.opts.RefreshInterval))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list accounts due for poll", "error", err)
		return
	}

	for _, account := range accounts {
		open, err := s.store.HasOpenPollJob(ctx, account.ID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to check open poll job",
				"account_id", account.ID,
				"error", err)
			continue
		}
		if open {
			continue
		}

		job := core.Job{
			ID:        uuid.NewString(),
			AccountID: account.ID,
			Kind:      core.JobScheduledPoll,
		}
		if err := s.store.EnqueueJob(ctx, job); err != nil {
			slog.ErrorContext(ctx, "Failed to enqueue poll job",
				"account_id", account.ID,
				"error", err)
		}
	}
}

// dispatchDue runs the next batch of pending jobs whose backoff gate
// has passed. Webhook jobs dispatch before scheduled polls. Jobs run
// concurrently: the account lease and the running CAS serialize jobs
// that share an account, everything else overlaps freely, so a slow
// poll for one account never delays another account's work.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	// Reclaim jobs a crashed peer left in running state before listing,
	// so they rejoin the queue within one sweep instead of waiting for
	// a worker restart.
	cutoff := s.now().Add(-(s.opts.ExecTimeout + leaseGrace))
	if _, err := s.store.ResetStaleRunning(ctx, cutoff); err != nil {
		slog.ErrorContext(ctx, "Failed to reset stale jobs", "error", err)
	}

	jobs, err := s.store.DueJobs(ctx, s.now(), dispatchBatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list due jobs", "error", err)
		return
	}

	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			s.RunJob(ctx, job)
			return nil
		})
	}
	g.Wait()
}

// HandleWebhookMessage is the fast path: the serving role publishes a
// job id over AMQP right after persisting the job row, and the worker
// executes it here without waiting for the next dispatch tick. The row
// is the durable truth, so a lost or duplicate message costs nothing:
// the dispatcher sweep picks up whatever this path misses.
func (s *Scheduler) HandleWebhookMessage(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		slog.WarnContext(ctx, "Webhook message for unknown job", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if job.Status != core.JobPending {
		// Already dispatched (or finished) through the sweep.
		return nil
	}

	s.RunJob(ctx, job)
	return nil
}

// RunJob executes one job under the account lease and the job CAS. A
// busy lease or a lost CAS leaves the job pending for a later sweep.
func (s *Scheduler) RunJob(ctx context.Context, job core.Job) {
	acquired, err := s.store.AcquireAccountLease(ctx, job.AccountID, s.owner, s.opts.ExecTimeout+leaseGrace)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to acquire account lease",
			"job_id", job.ID,
			"account_id", job.AccountID,
			"error", err)
		return
	}
	if !acquired {
		slog.DebugContext(ctx, "Account lease busy, leaving job pending",
			"job_id", job.ID,
			"account_id", job.AccountID)
		return
	}
	defer func() {
		if err := s.store.ReleaseAccountLease(ctx, job.AccountID, s.owner); err != nil {
			slog.ErrorContext(ctx, "Failed to release account lease",
				"account_id", job.AccountID,
				"error", err)
		}
	}()

	won, err := s.store.MarkJobRunning(ctx, job.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to mark job running", "job_id", job.ID, "error", err)
		return
	}
	if !won {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, s.opts.ExecTimeout)
	execErr := s.execute(execCtx, job)
	cancel()

	if execErr == nil {
		if err := s.store.MarkJobSucceeded(ctx, job.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to mark job succeeded", "job_id", job.ID, "error", err)
		}
		slog.InfoContext(ctx, "Job succeeded",
			"job_id", job.ID,
			"account_id", job.AccountID,
			"job_kind", job.Kind,
			"attempt", job.AttemptCount+1)
		return
	}

	s.settleFailure(ctx, job, execErr)
}

// settleFailure drives the retry state machine after a failed attempt:
// permanent errors and exhausted attempts go terminal (with an operator
// notification), everything else reschedules under exponential backoff.
func (s *Scheduler) settleFailure(ctx context.Context, job core.Job, execErr error) {
	attempts := job.AttemptCount + 1

	permanent := !core.Retryable(execErr) || errors.Is(execErr, storage.ErrAccountNotFound)

	if permanent || attempts >= s.opts.MaxAttempts {
		if err := s.store.MarkJobFailed(ctx, job.ID, execErr.Error()); err != nil {
			slog.ErrorContext(ctx, "Failed to mark job failed", "job_id", job.ID, "error", err)
			return
		}
		slog.ErrorContext(ctx, "Job terminally failed",
			"job_id", job.ID,
			"account_id", job.AccountID,
			"job_kind", job.Kind,
			"attempt", attempts,
			"error", execErr)
		notify.Notifyf(ctx, s.notifier, notify.SeverityError,
			"%s job for account %s failed after %d attempts: %v",
			job.Kind, job.AccountID, attempts, execErr)
		return
	}

	delay := retryBackoff(attempts)
	if err := s.store.RescheduleJob(ctx, job.ID, s.now().Add(delay), execErr.Error()); err != nil {
		slog.ErrorContext(ctx, "Failed to reschedule job", "job_id", job.ID, "error", err)
		return
	}
	slog.WarnContext(ctx, "Job rescheduled",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"attempt", attempts,
		"retry_in", delay,
		"error", execErr)
}

func (s *Scheduler) execute(ctx context.Context, job core.Job) error {
	switch job.Kind {
	case core.JobScheduledPoll:
		account, err := s.store.GetAccount(ctx, job.AccountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		return s.poller.Poll(ctx, account)

	case core.JobWebhookPush:
		var item monobank.StatementItem
		if err := json.Unmarshal(job.Payload, &item); err != nil {
			return fmt.Errorf("decode webhook payload: %w: %w", err, core.ErrMalformedPayload)
		}
		tx := item.Transaction(job.AccountID)
		res, err := s.engine.Reconcile(ctx, job.AccountID, []core.Transaction{tx})
		if err != nil {
			return fmt.Errorf("reconcile webhook item: %w", err)
		}
		if len(res.Rejected) > 0 {
			return fmt.Errorf("webhook item rejected: %w: %w", res.Rejected[0].Reason, core.ErrMalformedPayload)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", core.ErrUnknownJobKind, job.Kind)
	}
}

// registerWebhooks asks the provider to push statement events for every
// active account still missing a registration. The token rides in the
// query string so the ingestor can tie an incoming delivery back to the
// account it claims to be for. Failed registrations back off per
// account under the same schedule as job retries, and the operator is
// paged once per outage, not once per sweep.
func (s *Scheduler) registerWebhooks(ctx context.Context) {
	if !s.opts.ApplyWebhooks {
		return
	}

	accounts, err := s.store.ListWebhookUnregistered(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list unregistered accounts", "error", err)
		return
	}

	for _, account := range accounts {
		if st, ok := s.regRetry[account.ID]; ok && s.now().Before(st.nextTry) {
			continue
		}

		hookURL, err := webhookURLFor(s.opts.WebhookURL, account.Token)
		if err != nil {
			slog.ErrorContext(ctx, "Invalid webhook base URL",
				"account_id", account.ID,
				"error", err)
			return
		}

		if err := s.provider.RegisterWebhook(ctx, account.Token, hookURL); err != nil {
			st := s.regRetry[account.ID]
			st.failures++
			st.nextTry = s.now().Add(retryBackoff(st.failures))
			s.regRetry[account.ID] = st

			slog.WarnContext(ctx, "Webhook registration failed",
				"account_id", account.ID,
				"consecutive_failures", st.failures,
				"next_try", st.nextTry,
				"error", err)
			if st.failures == registerFailThreshold {
				notify.Notifyf(ctx, s.notifier, notify.SeverityWarning,
					"webhook registration for account %s failed %d times in a row: %v",
					account.ID, st.failures, err)
			}
			continue
		}
		delete(s.regRetry, account.ID)

		if err := s.store.MarkWebhookRegistered(ctx, account.ID, true); err != nil {
			slog.ErrorContext(ctx, "Failed to persist webhook registration",
				"account_id", account.ID,
				"error", err)
		}
	}
}

func webhookURLFor(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// retryBackoff doubles from one minute per attempt, capped at thirty.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}
