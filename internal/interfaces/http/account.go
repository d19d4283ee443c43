package http

import (
	"net/http"
	"strconv"

	"finlink/internal/domain/ingest"
)

type AccountHandler struct {
	engine *ingest.Engine
}

func NewAccountHandler(engine *ingest.Engine) *AccountHandler {
	return &AccountHandler{engine: engine}
}

// HandleListAccounts handles GET /api/accounts
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.engine.Accounts(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*ingest.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// HandleHoldings handles GET /api/accounts/{id}/holdings
func (h *AccountHandler) HandleHoldings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	holdings, err := h.engine.Holdings(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if holdings == nil {
		holdings = []*ingest.Holding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"holdings": holdings})
}

// HandleTransactions handles GET /api/accounts/{id}/transactions
func (h *AccountHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txns, err := h.engine.Transactions(r.Context(), userID, r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []*ingest.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}
