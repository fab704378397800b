package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/security"
	"github.com/example/transfer-infra/internal/transfer"
	"github.com/example/transfer-infra/pkg/audit"
)

// Auditor is the hash-chained audit log the API writes request records to
// and serves for verification.
type Auditor interface {
	Append(payload string)
	Entries() []*audit.LogEntry
}

type Dependencies struct {
	Logger *slog.Logger

	Transfers interface {
		Create(ctx context.Context, req transfer.CreateRequest) (*transfer.CreateResult, error)
		Confirm(ctx context.Context, req transfer.ConfirmRequest) (*transfer.Request, error)
		Get(id string) (*transfer.Request, bool)
		History(address string) []*transfer.Request
		List(f transfer.Filter) []*transfer.Request
		Stats() transfer.Stats
	}
	Wallets interface {
		Get(address string) (*ledger.Wallet, bool)
		Snapshot() []*ledger.Wallet
	}
	Quotes interface {
		UnitPrice(ctx context.Context) (decimal.Decimal, bool)
	}

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	requestTransferV, err := security.NewJSONSchemaValidator(requestTransferSchema)
	if err != nil {
		return nil, err
	}
	submitTransferV, err := security.NewJSONSchemaValidator(submitTransferSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.With(requestTransferV.Middleware).Post("/request-transfer", handleRequestTransfer(deps))
	r.With(submitTransferV.Middleware).Post("/submit-transfer", handleSubmitTransfer(deps))

	r.Get("/balance/{address}", handleBalance(deps))
	r.Get("/history/{address}", handleHistory(deps))
	r.Get("/wallet/{address}", handleWallet(deps))
	r.Get("/wallets", handleWallets(deps))
	r.Get("/transaction/{id}", handleTransaction(deps))
	r.Get("/transactions", handleTransactions(deps))
	r.Get("/analytics", handleAnalytics(deps))

	if deps.Auditor != nil {
		r.Get("/audit", handleAuditLog(deps))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
