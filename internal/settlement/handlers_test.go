package settlement_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/share-settlement/internal/model"
	"github.com/atmx/share-settlement/internal/settlement"
)

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, w, &body)
	assert.NotEmpty(t, body["error"], "error message should be set")
	return body["kind"]
}

func TestHTTP_RecordSettlement(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "a1", 1000, 700, 0, pct(10), nil)

	w := doJSON(t, router, "POST", "/api/v1/accounts/a1/settlements", settlement.SettlementRequest{Amount: 30, Notes: "cash"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp settlement.Receipt
	decode(t, w, &resp)
	assert.NotEmpty(t, resp.Settlement.ID)
	assert.Equal(t, "cash", resp.Settlement.Notes)
	assert.Equal(t, int64(30), resp.SignedAmount)
	assert.Equal(t, int64(300), resp.MaskedCapital)
	assert.Equal(t, int64(700), resp.Account.Funding)

	w = doJSON(t, router, "GET", "/api/v1/accounts/a1/settlements", nil)
	var list []model.Settlement
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, int64(30), list[0].Amount)
}

func TestHTTP_RecordSettlement_Rejections(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "a1", 1000, 950, 10, nil, nil)
	seedAccount(t, ms, "tiny", 100, 102, 10, nil, nil)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"over settlement", "/api/v1/accounts/a1/settlements", settlement.SettlementRequest{Amount: 10}, http.StatusConflict, "OverSettlement"},
		{"zero amount", "/api/v1/accounts/a1/settlements", settlement.SettlementRequest{Amount: 0}, http.StatusBadRequest, "InvalidAmount"},
		{"fractional amount", "/api/v1/accounts/a1/settlements", `{"amount": 1.5}`, http.StatusBadRequest, "InvalidAmount"},
		{"zero share", "/api/v1/accounts/tiny/settlements", settlement.SettlementRequest{Amount: 1}, http.StatusConflict, "NothingToSettle"},
		{"unknown account", "/api/v1/accounts/nope/settlements", settlement.SettlementRequest{Amount: 1}, http.StatusNotFound, "AccountNotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, errorKind(t, w))
		})
	}
}

func TestHTTP_CreateAccountAndPending(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", settlement.CreateAccountRequest{
		ClientName:          "bob",
		ExchangeName:        "kraken",
		Funding:             500,
		ExchangeBalance:     1000,
		DefaultSharePercent: 10,
		ProfitSharePercent:  pct(20),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var acct model.Account
	decode(t, w, &acct)

	w = doJSON(t, router, "GET", "/api/v1/accounts/"+acct.ID+"/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var v model.PendingView
	decode(t, w, &v)
	assert.Equal(t, int64(500), v.PnL)
	assert.Equal(t, 20, v.Percent)
	assert.Equal(t, int64(100), v.LockedShare)
	assert.Equal(t, int64(100), v.Remaining)
	assert.Equal(t, model.DirectionOperatorOwes, v.Direction)

	w = doJSON(t, router, "GET", "/api/v1/accounts", nil)
	var accounts []model.Account
	decode(t, w, &accounts)
	assert.Len(t, accounts, 1)
}

func TestHTTP_CreateAccount_Invalid(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/accounts", settlement.CreateAccountRequest{ClientName: "bob"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAccount", errorKind(t, w))

	w = doJSON(t, router, "POST", "/api/v1/accounts", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed body")
}

func TestHTTP_FundingAndBalance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "a1", 1000, 1000, 10, nil, nil)

	w := doJSON(t, router, "POST", "/api/v1/accounts/a1/funding", settlement.FundingRequest{Amount: 200})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, "POST", "/api/v1/accounts/a1/balance", settlement.BalanceRequest{ExchangeBalance: 900, Kind: "TRADE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acct model.Account
	decode(t, w, &acct)
	assert.Equal(t, int64(1200), acct.Funding)
	assert.Equal(t, int64(900), acct.ExchangeBalance)
	require.NotNil(t, acct.Lock)
	assert.Equal(t, int64(30), acct.Lock.Share)

	w = doJSON(t, router, "POST", "/api/v1/accounts/a1/balance", settlement.BalanceRequest{ExchangeBalance: 900, Kind: "GIFT"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidKind", errorKind(t, w))

	w = doJSON(t, router, "GET", "/api/v1/accounts/a1/ledger", nil)
	var entries []model.LedgerEntry
	decode(t, w, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindFunding, entries[0].Kind)
	assert.Equal(t, int64(-300), entries[1].SignedAmount)
}

func TestHTTP_PendingSummary(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedAccount(t, ms, "a1", 1000, 700, 10, nil, nil)

	w := doJSON(t, router, "GET", "/api/v1/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"you_owe_clients":[]`, "empty side should encode as []")

	var sum model.PendingSummary
	decode(t, w, &sum)
	assert.Len(t, sum.ClientsOweYou, 1)
	assert.Equal(t, int64(30), sum.TotalShareClientsOwe)
}

func TestHTTP_GetAccount_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, path := range []string{"/api/v1/accounts/nope", "/api/v1/accounts/nope/pending", "/api/v1/accounts/nope/ledger"} {
		w := doJSON(t, router, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
