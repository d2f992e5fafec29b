package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	ledger "mlm-ledger/internal/ledger/domain"
	promo "mlm-ledger/internal/promo/domain"
	ruleset "mlm-ledger/internal/ruleset/domain"
	settlement "mlm-ledger/internal/settlement/domain"
)

type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type rejection struct {
	target error
	status int
	reason string
}

// Business rejections carry their reason. Anything not listed is an infrastructure
// failure and is answered with a generic retryable 503.
var rejections = []rejection{
	{promo.ErrUsageLimitReached, http.StatusConflict, string(promo.ReasonUsageLimitReached)},
	{promo.ErrAlreadyUsedByUser, http.StatusConflict, string(promo.ReasonAlreadyUsedByUser)},
	{promo.ErrOrderAlreadyHasUsage, http.StatusConflict, "order_already_has_usage"},
	{promo.ErrNotFound, http.StatusNotFound, string(promo.ReasonNotFound)},
	{promo.ErrInvalidCode, http.StatusUnprocessableEntity, "invalid_request"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrAlreadyReversed, http.StatusConflict, "already_reversed"},
	{settlement.ErrInvalidOrder, http.StatusUnprocessableEntity, "invalid_order"},
	{settlement.ErrBuyerNotFound, http.StatusUnprocessableEntity, "buyer_not_found"},
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, rej := range rejections {
		if errors.Is(err, rej.target) {
			writeJSON(w, rej.status, errorBody{Error: rej.reason, Reason: rej.reason})
			return
		}
	}
	switch {
	case errors.Is(err, ruleset.ErrConfigUnavailable), errors.Is(err, settlement.ErrLookupFailed):
		h.logger.Printf("http %s %s: dependency unavailable: %v", r.Method, r.URL.Path, err)
	case ledger.IsProgrammingError(err):
		h.logger.Printf("http %s %s: ledger rejected: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	default:
		h.logger.Printf("http %s %s: err=%v", r.Method, r.URL.Path, err)
	}
	writeUnavailable(w)
}

func writeUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable", Retryable: true})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
