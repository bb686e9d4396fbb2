package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"monoledger/internal/core"
	"monoledger/internal/middleware/trace"
	"monoledger/internal/monobank"
	"monoledger/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"requests_served": s.tracer.TotalRequests(),
		"tracked_clients": s.limiter.ActiveClients(),
	})
}

// handleWebhookProbe answers the provider's registration check. The
// provider GETs the URL before accepting it and expects a plain 200.
func (s *Server) handleWebhookProbe(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleWebhookEvent ingests one provider push. The delivery proves
// itself with the token query parameter, which must match the token of
// the account the payload claims to be for. Authentication failures are
// 403, malformed payloads 422. A good event is persisted as a job and
// acknowledged with 202 before any reconciliation work happens, so the
// provider never times out waiting on our ledger.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		slog.WarnContext(ctx, "Webhook delivery without token",
			"request_id", trace.GetRequestID(ctx),
			"client_ip", clientIP(r),
			"reason", core.ErrInvalidSignature)
		writeError(w, http.StatusForbidden, "missing token")
		return
	}

	var event monobank.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.WarnContext(ctx, "Malformed webhook payload", "error", err)
		writeError(w, http.StatusUnprocessableEntity, "malformed payload")
		return
	}

	if event.Type != monobank.EventStatementItem {
		slog.WarnContext(ctx, "Unsupported webhook event type", "type", event.Type)
		writeError(w, http.StatusUnprocessableEntity, "unsupported event type")
		return
	}
	if event.Data.Account == "" || event.Data.StatementItem.ID == "" {
		writeError(w, http.StatusUnprocessableEntity, "incomplete statement item")
		return
	}

	account, err := s.store.GetAccount(ctx, event.Data.Account)
	if errors.Is(err, storage.ErrAccountNotFound) {
		slog.WarnContext(ctx, "Webhook delivery for unknown account",
			"account_id", event.Data.Account)
		writeError(w, http.StatusForbidden, "unknown account")
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load account for webhook",
			"account_id", event.Data.Account,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(account.Token)) != 1 {
		slog.WarnContext(ctx, "Webhook token mismatch",
			"request_id", trace.GetRequestID(ctx),
			"account_id", account.ID,
			"client_ip", clientIP(r),
			"reason", core.ErrInvalidSignature)
		writeError(w, http.StatusForbidden, "invalid token")
		return
	}
	if !account.Active {
		writeError(w, http.StatusForbidden, "account retired")
		return
	}

	payload, err := json.Marshal(event.Data.StatementItem)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job := core.Job{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Kind:      core.JobWebhookPush,
		Payload:   payload,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		slog.ErrorContext(ctx, "Failed to persist webhook job",
			"account_id", account.ID,
			"provider_txn_id", event.Data.StatementItem.ID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Best effort: the row above is the durable truth, a failed publish
	// only means the dispatch sweep picks the job up instead.
	if s.publisher != nil {
		if err := s.publisher.PublishJobEnqueued(ctx, job.ID, job.AccountID, job.Kind); err != nil {
			slog.WarnContext(ctx, "Failed to publish job message",
				"job_id", job.ID,
				"error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

type linkedAccount struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Currency string `json:"currency"`
}

// handleLinkAccounts tracks every card and jar reachable with a
// provider token. Re-linking an already tracked account refreshes its
// token and title; poll state is preserved by the upsert.
func (s *Server) handleLinkAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing provider token")
		return
	}

	info, err := s.directory.GetClientInfo(ctx, req.Token)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to fetch client info for linking",
			"request_id", trace.GetRequestID(ctx),
			"error", err)
		if errors.Is(err, core.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "provider rate limited")
			return
		}
		writeError(w, http.StatusBadGateway, "provider unavailable")
		return
	}

	candidates := make([]core.Account, 0, len(info.Accounts)+len(info.Jars))
	for _, card := range info.Accounts {
		candidates = append(candidates, core.Account{
			ID:           card.ID,
			Token:        req.Token,
			Kind:         core.AccountCard,
			Title:        cardTitle(card),
			CurrencyCode: card.CurrencyCode,
			Active:       true,
		})
	}
	for _, jar := range info.Jars {
		candidates = append(candidates, core.Account{
			ID:           jar.ID,
			Token:        req.Token,
			Kind:         core.AccountJar,
			Title:        jar.Title,
			CurrencyCode: jar.CurrencyCode,
			Active:       true,
		})
	}

	linked := make([]linkedAccount, 0, len(candidates))
	for _, account := range candidates {
		if err := account.Validate(); err != nil {
			slog.WarnContext(ctx, "Skipping unlinkable provider account",
				"account_id", account.ID,
				"error", err)
			continue
		}
		if err := s.store.UpsertAccount(ctx, account); err != nil {
			slog.ErrorContext(ctx, "Failed to upsert linked account",
				"account_id", account.ID,
				"error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		linked = append(linked, linkedAccount{
			ID:       account.ID,
			Kind:     string(account.Kind),
			Title:    account.Title,
			Currency: core.CurrencyName(account.CurrencyCode),
		})
	}

	writeJSON(w, http.StatusCreated, map[string]any{"accounts": linked})
}

func cardTitle(card monobank.CardAccount) string {
	if len(card.MaskedPan) > 0 {
		return card.MaskedPan[0]
	}
	return card.Type
}

type apiTransaction struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Amount          int64  `json:"amount"`
	OperationAmount int64  `json:"operation_amount"`
	CurrencyCode    int    `json:"currency_code"`
	Currency        string `json:"currency"`
	OccurredAt      int64  `json:"occurred_at"`
	MCC             int    `json:"mcc"`
	Description     string `json:"description"`
	Comment         string `json:"comment,omitempty"`
	Balance         int64  `json:"balance"`
	Hold            bool   `json:"hold"`
}

// handleListTransactions serves an account's ledger slice. The range
// comes as unix-seconds query parameters; to defaults to now, from to
// thirty days before to. An incremental consumer passes since instead
// to read everything strictly after its watermark.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("id")

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		if r.URL.Query().Get("from") != "" || r.URL.Query().Get("to") != "" {
			writeError(w, http.StatusBadRequest, "'since' cannot be combined with 'from'/'to'")
			return
		}
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' timestamp")
			return
		}
		txns, err := s.store.ListTransactionsSince(ctx, accountID, after)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to list transactions",
				"account_id", accountID,
				"error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeTransactions(w, txns)
		return
	}

	to := time.Now()
	if raw := r.URL.Query().Get("to"); raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' timestamp")
			return
		}
		to = time.Unix(unix, 0)
	}
	from := to.Add(-30 * 24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp")
			return
		}
		from = time.Unix(unix, 0)
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "'from' is after 'to'")
		return
	}

	txns, err := s.store.ListTransactions(ctx, accountID, from, to)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list transactions",
			"account_id", accountID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeTransactions(w, txns)
}

func writeTransactions(w http.ResponseWriter, txns []core.Transaction) {
	out := make([]apiTransaction, 0, len(txns))
	for _, tx := range txns {
		out = append(out, apiTransaction{
			ID:              tx.ProviderTxnID,
			AccountID:       tx.AccountID,
			Amount:          tx.Amount.Cents,
			OperationAmount: tx.OperationAmount.Cents,
			CurrencyCode:    tx.CurrencyCode,
			Currency:        core.CurrencyName(tx.CurrencyCode),
			OccurredAt:      tx.OccurredAt,
			MCC:             tx.MCC,
			Description:     tx.Description,
			Comment:         tx.Comment,
			Balance:         tx.Balance,
			Hold:            tx.Hold,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
