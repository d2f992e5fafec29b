package apihttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apihttp "mlm-ledger/internal/api/http"
	"mlm-ledger/internal/audit"
	"mlm-ledger/internal/auth"
	diagapp "mlm-ledger/internal/diagnostics/application"
	diagmem "mlm-ledger/internal/diagnostics/infrastructure/memory"
	ledgerapp "mlm-ledger/internal/ledger/application"
	ledger "mlm-ledger/internal/ledger/domain"
	ledgermem "mlm-ledger/internal/ledger/infrastructure/memory"
	promoapp "mlm-ledger/internal/promo/application"
	promo "mlm-ledger/internal/promo/domain"
	promomem "mlm-ledger/internal/promo/infrastructure/memory"
	rulesetapp "mlm-ledger/internal/ruleset/application"
	ruleset "mlm-ledger/internal/ruleset/domain"
	rulesetmem "mlm-ledger/internal/ruleset/infrastructure/memory"
	settleapp "mlm-ledger/internal/settlement/application"
	settlement "mlm-ledger/internal/settlement/domain"
	graphmem "mlm-ledger/internal/settlement/infrastructure/memory"
)

var secret = []byte("router-secret")

type apiFixture struct {
	server *httptest.Server
	ledger *ledgerapp.Service
	promo  *promoapp.Service
	rules  *rulesetapp.Holder
	repo   *rulesetmem.Repository
	audit  *audit.Recorder
}

func newAPIFixture(t *testing.T, loadRules bool) *apiFixture {
	t.Helper()
	ctx := context.Background()

	ledgerSvc, err := ledgerapp.NewService(ledgermem.NewStore())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	repo := rulesetmem.NewRepository()
	defaults := ruleset.Defaults()
	defaults.Timezone = "UTC"
	holder, err := rulesetapp.NewHolder(repo, defaults)
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if loadRules {
		if _, err := holder.Load(ctx); err != nil {
			t.Fatalf("load rules: %v", err)
		}
	}

	graph := graphmem.NewGraph()
	graph.Put(settlement.User{ID: "sponsor", ReferralCode: "SP", IsActive: true})
	graph.Put(settlement.User{ID: "buyer", ReferralCode: "BU", AppliedReferralCode: "SP", IsActive: true})
	engine, err := settleapp.NewEngine(ledgerSvc, holder, graph, graph)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	promoSvc, err := promoapp.NewService(promomem.NewRepository())
	if err != nil {
		t.Fatalf("promo: %v", err)
	}
	diag, err := diagapp.NewService(graph, noOrders{}, ledgerSvc, diagmem.NewCache())
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}

	recorder := &audit.Recorder{}
	router := apihttp.NewRouter(apihttp.Dependencies{
		Settler:     engine,
		Promo:       promoSvc,
		Ledger:      ledgerSvc,
		Diagnostics: diag,
		RuleSets:    holder,
		Auth:        auth.NewMiddleware(secret, auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)),
		Audit:       recorder,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{server: server, ledger: ledgerSvc, promo: promoSvc, rules: holder, repo: repo, audit: recorder}
}

func TestRouter_SettleAndReadBalance(t *testing.T) {
	f := newAPIFixture(t, true)
	body := `{"user_id":"buyer","items_subtotal":"1000","referral_discount":"100","created_at":"2026-03-10T12:00:00Z"}`

	resp := f.do(t, http.MethodPost, "/api/v1/orders/o-http/settle", auth.RoleService, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle status: %d", resp.StatusCode)
	}
	var settled struct {
		Transactions []struct {
			OperationID string `json:"operation_id"`
			Replayed    bool   `json:"replayed"`
		} `json:"transactions"`
	}
	decode(t, resp, &settled)
	if len(settled.Transactions) != 2 {
		t.Fatalf("expected accrual and level 1, got %d", len(settled.Transactions))
	}

	again := f.do(t, http.MethodPost, "/api/v1/orders/o-http/settle", auth.RoleService, body)
	decode(t, again, &settled)
	for _, tx := range settled.Transactions {
		if !tx.Replayed {
			t.Fatalf("retry must replay %s", tx.OperationID)
		}
	}

	account, err := f.ledger.FindAccount(context.Background(), ledger.UserAccount("sponsor", ledger.AccountReferral))
	if err != nil || account == nil {
		t.Fatalf("sponsor account: %v", err)
	}
	balance := f.do(t, http.MethodGet, "/api/v1/accounts/"+account.ID+"/balance", auth.RoleViewer, "")
	var view struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decode(t, balance, &view)
	if !view.Balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("sponsor balance: %s", view.Balance)
	}

	stmt := f.do(t, http.MethodGet, "/api/v1/accounts/"+account.ID+"/statement.pdf?from=2020-01-01&to=2100-01-01", auth.RoleViewer, "")
	if stmt.StatusCode != http.StatusOK || stmt.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("statement: status=%d type=%s", stmt.StatusCode, stmt.Header.Get("Content-Type"))
	}
	_ = stmt.Body.Close()

	entries := f.audit.Entries()
	if len(entries) != 2 || entries[0].Action != "order.settle" || entries[0].ResourceID != "o-http" || entries[0].Actor != "test-service" {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}

	missing := f.do(t, http.MethodGet, "/api/v1/accounts/nope/balance", auth.RoleViewer, "")
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account: %d", missing.StatusCode)
	}
	_ = missing.Body.Close()
}

func TestRouter_ConfigUnavailableIsGenericRetryable(t *testing.T) {
	f := newAPIFixture(t, false)
	body := `{"user_id":"buyer","items_subtotal":"1000","created_at":"2026-03-10T12:00:00Z"}`

	resp := f.do(t, http.MethodPost, "/api/v1/orders/o-nocfg/settle", auth.RoleService, body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var payload map[string]any
	decode(t, resp, &payload)
	if payload["error"] != "temporarily unavailable" || payload["retryable"] != true {
		t.Fatalf("unexpected body: %v", payload)
	}
}

func TestRouter_PromoRejectionsCarryReason(t *testing.T) {
	f := newAPIFixture(t, true)
	one := 1
	code, err := f.promo.Create(context.Background(), promo.PromoCode{Code: "HTTP1", MaxUses: &one, IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	apply := func(orderID string) *http.Response {
		body, _ := json.Marshal(map[string]string{"user_id": "u-" + orderID, "order_id": orderID, "code_id": code.ID, "discount": "10"})
		return f.do(t, http.MethodPost, "/api/v1/promo/apply", auth.RoleService, string(body))
	}
	first := apply("o-1")
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first apply: %d", first.StatusCode)
	}
	_ = first.Body.Close()

	second := apply("o-2")
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second apply: %d", second.StatusCode)
	}
	var rejected map[string]any
	decode(t, second, &rejected)
	if rejected["reason"] != string(promo.ReasonUsageLimitReached) {
		t.Fatalf("reason: %v", rejected["reason"])
	}

	validate := f.do(t, http.MethodPost, "/api/v1/promo/validate", auth.RoleService, `{"code":"HTTP1","user_id":"u-9","subtotal":"500"}`)
	var validation promo.Validation
	decode(t, validate, &validation)
	if validation.Valid || validation.Reason != promo.ReasonUsageLimitReached {
		t.Fatalf("validation: %+v", validation)
	}
}

func TestRouter_RolesAndRuleSet(t *testing.T) {
	f := newAPIFixture(t, true)

	if resp := f.do(t, http.MethodPost, "/api/v1/orders/o-1/settle", auth.RoleViewer, "{}"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer settle: %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/admin/ruleset", auth.RoleService, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("service ruleset: %d", resp.StatusCode)
	}

	next := ruleset.Defaults()
	next.VWCCashbackPercent = decimal.NewFromInt(7)
	if _, err := f.repo.Activate(context.Background(), next); err != nil {
		t.Fatalf("activate: %v", err)
	}
	reload := f.do(t, http.MethodPost, "/api/v1/admin/ruleset/reload", auth.RoleAdmin, "")
	var view struct {
		Version int `json:"version"`
		Rules   struct {
			VWCCashbackPercent decimal.Decimal
		} `json:"rules"`
	}
	decode(t, reload, &view)
	if view.Version != 2 || !view.Rules.VWCCashbackPercent.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("reloaded rule set: %+v", view)
	}

	referrals := f.do(t, http.MethodGet, "/api/v1/diagnostics/referrals", auth.RoleViewer, "")
	var report struct {
		TotalUsers int    `json:"total_users"`
		Status     string `json:"status"`
	}
	decode(t, referrals, &report)
	if report.TotalUsers != 2 || report.Status != "healthy" {
		t.Fatalf("report: %+v", report)
	}

	health, err := http.Get(f.server.URL + "/healthz")
	if err != nil || health.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	_ = health.Body.Close()
}

func (f *apiFixture) do(t *testing.T, method, path string, role auth.Role, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	token, err := auth.IssueJWT(secret, "test-"+string(role), role, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

type noOrders struct{}

func (noOrders) DeliveredWithCashback(ctx context.Context, cutoff time.Time) ([]settlement.Order, error) {
	return nil, nil
}
