package apihttp

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"mlm-ledger/internal/audit"
	"mlm-ledger/internal/auth"
	diagnostics "mlm-ledger/internal/diagnostics/domain"
	ledgerapp "mlm-ledger/internal/ledger/application"
	ledger "mlm-ledger/internal/ledger/domain"
	promo "mlm-ledger/internal/promo/domain"
	ruleset "mlm-ledger/internal/ruleset/domain"
	settlement "mlm-ledger/internal/settlement/domain"
)

// Settler settles and unsettles orders.
type Settler interface {
	SettleOrderDelivery(ctx context.Context, order settlement.Order) ([]*ledger.Transaction, error)
	UnsettleOrder(ctx context.Context, orderID string) ([]*ledger.Transaction, error)
	Quote(ctx context.Context, order settlement.Order) (settlement.Plan, error)
}

// OrderSource loads orders by id when a request carries none.
type OrderSource interface {
	OrderByID(ctx context.Context, id string) (*settlement.Order, error)
}

// Promo is the promo usage counter.
type Promo interface {
	Validate(ctx context.Context, code, userID string, subtotal decimal.Decimal) (promo.Validation, error)
	ApplyToOrder(ctx context.Context, userID, orderID, codeID string, discount decimal.Decimal) (promo.Usage, error)
	CancelUsage(ctx context.Context, orderID string) (bool, error)
}

// Ledger serves balances and statements.
type Ledger interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	Statement(ctx context.Context, accountID string, from, to time.Time) (*ledgerapp.AccountStatement, error)
}

// Diagnostics runs read-only reports.
type Diagnostics interface {
	AnalyzeReferralSystem(ctx context.Context) diagnostics.Report
	ValidateBonusIntegrity(ctx context.Context) diagnostics.IntegrityReport
}

// RuleSets exposes the active rule set.
type RuleSets interface {
	Snapshot() (*ruleset.RuleSet, error)
	Reload(ctx context.Context) (*ruleset.RuleSet, error)
}

// Dependencies wires the router. Orders and Audit may be nil.
type Dependencies struct {
	Settler     Settler
	Orders      OrderSource
	Promo       Promo
	Ledger      Ledger
	Diagnostics Diagnostics
	RuleSets    RuleSets
	Auth        *auth.Middleware
	Audit       audit.Logger
	Logger      *log.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	h := &handlers{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, logger) })
	if deps.Auth != nil {
		r.Use(deps.Auth.Wrap)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders/{id}/settle", h.settleOrder)
		r.Post("/orders/{id}/unsettle", h.unsettleOrder)
		r.Post("/orders/{id}/quote", h.quoteOrder)

		r.Post("/promo/validate", h.validatePromo)
		r.Post("/promo/apply", h.applyPromo)
		r.Post("/promo/cancel", h.cancelPromo)

		r.Get("/accounts/{id}/balance", h.accountBalance)
		r.Get("/accounts/{id}/statement.{format}", h.accountStatement)

		r.Get("/diagnostics/referrals", h.referralDiagnostics)
		r.Get("/diagnostics/integrity", h.integrityDiagnostics)

		r.Get("/admin/ruleset", h.showRuleSet)
		r.Post("/admin/ruleset/reload", h.reloadRuleSet)
	})
	return r
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
