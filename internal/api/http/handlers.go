package apihttp

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"mlm-ledger/internal/audit"
	"mlm-ledger/internal/auth"
	ledger "mlm-ledger/internal/ledger/domain"
	ledgerinterfaces "mlm-ledger/internal/ledger/interfaces"
	ruleset "mlm-ledger/internal/ruleset/domain"
	settlement "mlm-ledger/internal/settlement/domain"
)

const (
	timeLayout   = time.RFC3339
	dateLayout   = "2006-01-02"
	maxBodyBytes = 1 << 20
)

type handlers struct {
	deps   Dependencies
	logger *log.Logger
}

type transactionView struct {
	ID          string            `json:"id"`
	OperationID string            `json:"operation_id"`
	OpType      string            `json:"op_type"`
	UserID      string            `json:"user_id,omitempty"`
	Level       int               `json:"level,omitempty"`
	ReversalOf  string            `json:"reversal_of,omitempty"`
	Replayed    bool              `json:"replayed"`
	Meta        map[string]string `json:"meta,omitempty"`
	Postings    []postingView     `json:"postings"`
}

type postingView struct {
	DebitAccountID  string          `json:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Memo            string          `json:"memo,omitempty"`
}

func (h *handlers) settleOrder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settler == nil {
		writeUnavailable(w)
		return
	}
	order, ok := h.orderFromRequest(w, r)
	if !ok {
		return
	}
	txs, err := h.deps.Settler.SettleOrderDelivery(r.Context(), order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logAudit(r, "order.settle", "order", order.ID, map[string]any{"legs": len(txs)})
	writeJSON(w, http.StatusOK, map[string]any{"order_id": order.ID, "transactions": viewTransactions(txs)})
}

func (h *handlers) unsettleOrder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settler == nil {
		writeUnavailable(w)
		return
	}
	orderID := chi.URLParam(r, "id")
	txs, err := h.deps.Settler.UnsettleOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logAudit(r, "order.unsettle", "order", orderID, map[string]any{"reversals": len(txs)})
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "reversals": viewTransactions(txs)})
}

func (h *handlers) quoteOrder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Settler == nil {
		writeUnavailable(w)
		return
	}
	order, ok := h.orderFromRequest(w, r)
	if !ok {
		return
	}
	plan, err := h.deps.Settler.Quote(r.Context(), order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// orderFromRequest decodes the order from the body, or loads it by id when the body is empty.
func (h *handlers) orderFromRequest(w http.ResponseWriter, r *http.Request) (settlement.Order, bool) {
	orderID := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return settlement.Order{}, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if h.deps.Orders == nil {
			writeBadRequest(w, "order body is required")
			return settlement.Order{}, false
		}
		order, err := h.deps.Orders.OrderByID(r.Context(), orderID)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: order %s: %v", settlement.ErrLookupFailed, orderID, err))
			return settlement.Order{}, false
		}
		if order == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "order not found", Reason: "not_found"})
			return settlement.Order{}, false
		}
		return *order, true
	}
	var order settlement.Order
	if err := json.Unmarshal(body, &order); err != nil {
		writeBadRequest(w, "invalid order body")
		return settlement.Order{}, false
	}
	order.ID = orderID
	return order, true
}

type validatePromoRequest struct {
	Code     string          `json:"code"`
	UserID   string          `json:"user_id"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

func (h *handlers) validatePromo(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promo == nil {
		writeUnavailable(w)
		return
	}
	var req validatePromoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.deps.Promo.Validate(r.Context(), req.Code, req.UserID, req.Subtotal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type applyPromoRequest struct {
	UserID   string          `json:"user_id"`
	OrderID  string          `json:"order_id"`
	CodeID   string          `json:"code_id"`
	Discount decimal.Decimal `json:"discount"`
}

func (h *handlers) applyPromo(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promo == nil {
		writeUnavailable(w)
		return
	}
	var req applyPromoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	usage, err := h.deps.Promo.ApplyToOrder(r.Context(), req.UserID, req.OrderID, req.CodeID, req.Discount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logAudit(r, "promo.apply", "promo_code", req.CodeID, map[string]any{"order_id": req.OrderID, "user_id": req.UserID})
	writeJSON(w, http.StatusCreated, usage)
}

type cancelPromoRequest struct {
	OrderID string `json:"order_id"`
}

func (h *handlers) cancelPromo(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promo == nil {
		writeUnavailable(w)
		return
	}
	var req cancelPromoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cancelled, err := h.deps.Promo.CancelUsage(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cancelled {
		h.logAudit(r, "promo.cancel", "order", req.OrderID, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": req.OrderID, "cancelled": cancelled})
}

func (h *handlers) accountBalance(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		writeUnavailable(w)
		return
	}
	account, err := h.deps.Ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"owner_type": account.OwnerType,
		"owner_id":   account.OwnerID,
		"type":       account.Type,
		"currency":   account.Currency,
		"balance":    account.Balance,
	})
}

func (h *handlers) accountStatement(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil {
		writeUnavailable(w)
		return
	}
	format := chi.URLParam(r, "format")
	if format != "pdf" && format != "xlsx" {
		writeBadRequest(w, "format must be pdf or xlsx")
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !to.After(from) {
		writeBadRequest(w, "to must be after from")
		return
	}

	accountID := chi.URLParam(r, "id")
	stmt, err := h.deps.Ledger.Statement(r.Context(), accountID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = ledgerinterfaces.BuildStatementPDF(stmt)
		contentType = "application/pdf"
	default:
		data, err = ledgerinterfaces.BuildStatementXLSX(stmt)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filename := fmt.Sprintf("statement-%s-%s.%s", accountID, from.Format(dateLayout), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handlers) referralDiagnostics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Diagnostics == nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Diagnostics.AnalyzeReferralSystem(r.Context()))
}

func (h *handlers) integrityDiagnostics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Diagnostics == nil {
		writeUnavailable(w)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Diagnostics.ValidateBonusIntegrity(r.Context()))
}

type ruleSetView struct {
	ID          string           `json:"id"`
	Version     int              `json:"version"`
	ActivatedAt time.Time        `json:"activated_at"`
	Rules       *ruleset.RuleSet `json:"rules"`
}

func (h *handlers) showRuleSet(w http.ResponseWriter, r *http.Request) {
	if h.deps.RuleSets == nil {
		writeUnavailable(w)
		return
	}
	rs, err := h.deps.RuleSets.Snapshot()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleSetView{ID: rs.ID, Version: rs.Version, ActivatedAt: rs.ActivatedAt, Rules: rs})
}

func (h *handlers) reloadRuleSet(w http.ResponseWriter, r *http.Request) {
	if h.deps.RuleSets == nil {
		writeUnavailable(w)
		return
	}
	rs, err := h.deps.RuleSets.Reload(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logAudit(r, "ruleset.reload", "rule_set", rs.ID, map[string]any{"version": rs.Version})
	writeJSON(w, http.StatusOK, ruleSetView{ID: rs.ID, Version: rs.Version, ActivatedAt: rs.ActivatedAt, Rules: rs})
}

// logAudit records a state change. A failed write is logged and does not fail the request.
func (h *handlers) logAudit(r *http.Request, action, resourceType, resourceID string, meta map[string]any) {
	if h.deps.Audit == nil {
		return
	}
	var payload []byte
	if meta != nil {
		payload, _ = json.Marshal(meta)
	}
	err := h.deps.Audit.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Printf("audit log: action=%s resource=%s err=%v", action, resourceID, err)
	}
}

func viewTransactions(txs []*ledger.Transaction) []transactionView {
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		view := transactionView{
			ID:          tx.ID,
			OperationID: tx.OperationID,
			OpType:      string(tx.OpType),
			UserID:      tx.UserID,
			Level:       tx.Level,
			ReversalOf:  tx.ReversalOf,
			Replayed:    tx.Replayed,
			Meta:        tx.Meta,
			Postings:    make([]postingView, 0, len(tx.Postings)),
		}
		for _, p := range tx.Postings {
			view.Postings = append(view.Postings, postingView{
				DebitAccountID:  p.DebitAccountID,
				CreditAccountID: p.CreditAccountID,
				Amount:          p.Amount,
				Currency:        string(p.Currency),
				Memo:            p.Memo,
			})
		}
		views = append(views, view)
	}
	return views
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	if parsed, err := time.Parse(timeLayout, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", key)
	}
	return parsed.UTC(), nil
}
