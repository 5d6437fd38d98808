package settlement

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/share-settlement/internal/model"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates HTTP handlers for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// --- Request types ---

// FundingRequest is the JSON body for POST /accounts/{accountID}/funding.
type FundingRequest struct {
	Amount int64  `json:"amount"`
	Notes  string `json:"notes"`
}

// BalanceRequest is the JSON body for POST /accounts/{accountID}/balance.
type BalanceRequest struct {
	ExchangeBalance int64  `json:"exchange_balance"`
	Kind            string `json:"kind"` // TRADE, FEE or ADJUSTMENT
	Notes           string `json:"notes"`
}

// SettlementRequest is the JSON body for POST /accounts/{accountID}/settlements.
type SettlementRequest struct {
	Amount int64  `json:"amount"` // share units
	Notes  string `json:"notes"`
}

// --- HTTP Handlers ---

// ListAccounts handles GET /api/v1/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	acct, err := h.svc.CreateAccount(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetPending handles GET /api/v1/accounts/{accountID}/pending
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.PendingView(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// AddFunding handles POST /api/v1/accounts/{accountID}/funding
func (h *Handler) AddFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	acct, err := h.svc.AddFunding(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// UpdateBalance handles POST /api/v1/accounts/{accountID}/balance
func (h *Handler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	acct, err := h.svc.UpdateExchangeBalance(r.Context(), chi.URLParam(r, "accountID"), req.ExchangeBalance, req.Kind, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// RecordSettlement handles POST /api/v1/accounts/{accountID}/settlements
func (h *Handler) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Fractional or non-numeric amounts fail to decode into int64.
		writeError(w, ErrInvalidAmount)
		return
	}
	receipt, err := h.svc.RecordSettlement(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// ListSettlements handles GET /api/v1/accounts/{accountID}/settlements
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.svc.ListSettlements(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if settlements == nil {
		settlements = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// GetLedger handles GET /api/v1/accounts/{accountID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Ledger(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPendingSummary handles GET /api/v1/pending
func (h *Handler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.PendingSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the stable error kind.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{
		"error": err.Error(),
		"kind":  Kind(err),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": message,
		"kind":  "BadRequest",
	})
}
