package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"monoledger/internal/core"
	"monoledger/internal/middleware/ratelimit"
	"monoledger/internal/middleware/trace"
	"monoledger/internal/monobank"
)

// Store is the repository slice the serving role needs: account lookup
// for webhook authentication and linking, job persistence for
// ingestion, and the ledger read paths for the transactions API.
type Store interface {
	GetAccount(ctx context.Context, id string) (core.Account, error)
	UpsertAccount(ctx context.Context, account core.Account) error
	EnqueueJob(ctx context.Context, job core.Job) error
	ListTransactions(ctx context.Context, accountID string, from, to time.Time) ([]core.Transaction, error)
	ListTransactionsSince(ctx context.Context, accountID string, afterUnix int64) ([]core.Transaction, error)
}

// AccountDirectory lists the provider accounts reachable with a token.
// Backed by the Monobank client-info call when an operator links a
// token.
type AccountDirectory interface {
	GetClientInfo(ctx context.Context, token string) (*monobank.ClientInfo, error)
}

// Publisher hands a freshly persisted job to the worker with low
// latency. Publishing is best effort: the job row is already durable
// when the publish happens, so a broker outage only costs latency.
type Publisher interface {
	PublishJobEnqueued(ctx context.Context, jobID, accountID string, kind core.JobKind) error
}

type Server struct {
	http.Server

	store     Store
	publisher Publisher
	directory AccountDirectory
	limiter   *ratelimit.Limiter
	tracer    *trace.Middleware
}

func NewServer(port string, store Store, publisher Publisher, directory AccountDirectory) *Server {
	s := &Server{
		store:     store,
		publisher: publisher,
		directory: directory,
		limiter:   ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		tracer:    trace.NewMiddleware(clientIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /monobank/webhook", s.handleWebhookProbe)
	mux.HandleFunc("POST /monobank/webhook", s.handleWebhookEvent)
	mux.HandleFunc("POST /accounts", s.handleLinkAccounts)
	mux.HandleFunc("GET /accounts/{id}/transactions", s.handleListTransactions)

	s.Addr = ":" + port
	s.Handler = s.tracer.Middleware(s.limiter.Middleware(clientIP)(mux))
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.IdleTimeout = 60 * time.Second
	return s
}

// Stop shuts down the listener and the limiter's cleanup goroutine.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()
	return s.Shutdown(ctx)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
