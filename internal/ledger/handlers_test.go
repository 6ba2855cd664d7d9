package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/testutil"
)

func setupTestRouter() (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	handler := NewHandler(NewService(store, slog.Default()))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(testutil.FakeAuth())
	handler.RegisterFreelancerRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, store
}

type envelopeResp struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func do(t *testing.T, r *gin.Engine, method, path, subject string, body interface{}) (*httptest.ResponseRecorder, envelopeResp) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(testutil.HeaderSubject, subject)
	req.Header.Set(testutil.HeaderRole, "freelancer")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp envelopeResp
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandler_WithdrawFlow(t *testing.T) {
	r, store := setupTestRouter()
	require.NoError(t, store.PostPayment(context.Background(), Posting{
		PaymentID: "pay_1", CustomerID: "cus_1", FreelancerID: "fr_1", Amount: decimal.NewFromInt(50),
	}))

	w, resp := do(t, r, "POST", "/v1/withdraw-earnings", "fr_1", WithdrawRequest{Amount: "100"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_funds", resp.Code)

	w, resp = do(t, r, "POST", "/v1/withdraw-earnings", "fr_1", WithdrawRequest{Amount: "20"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Withdrawal WithdrawalView `json:"withdrawal"`
		Wallet     WalletView     `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "30.00", created.Wallet.Balance)
	assert.Equal(t, "20.00", created.Withdrawal.Amount)

	w, resp = do(t, r, "POST", "/v1/withdraw-earnings", "fr_1", WithdrawRequest{Amount: "5"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "withdrawal_pending", resp.Code)

	w, _ = do(t, r, "POST", "/v1/admin/withdrawals/"+created.Withdrawal.ID+"/reject", "adm_1", RejectRequest{Note: "wrong iban"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp = do(t, r, "GET", "/v1/wallet", "fr_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallet WalletView
	require.NoError(t, json.Unmarshal(resp.Data, &wallet))
	assert.Equal(t, "50.00", wallet.Balance)
}

func TestHandler_WithdrawValidation(t *testing.T) {
	r, _ := setupTestRouter()

	w, resp := do(t, r, "POST", "/v1/withdraw-earnings", "fr_1", WithdrawRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp.Code)

	w, resp = do(t, r, "POST", "/v1/withdraw-earnings", "fr_1", WithdrawRequest{Amount: "ten"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp.Code)
}

func TestHandler_EarningsHistory(t *testing.T) {
	r, store := setupTestRouter()
	require.NoError(t, store.PostPayment(context.Background(), Posting{
		PaymentID: "pay_1", CustomerID: "cus_1", FreelancerID: "fr_1", Amount: decimal.NewFromInt(75),
	}))

	w, resp := do(t, r, "GET", "/v1/earnings-history?limit=10", "fr_1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Wallet  WalletView `json:"wallet"`
		Entries struct {
			Items   []EntryView `json:"items"`
			HasMore bool        `json:"hasMore"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, "75.00", body.Wallet.TotalEarned)
	require.Len(t, body.Entries.Items, 1)
	assert.Equal(t, EntryFreelancerEarning, body.Entries.Items[0].Type)
}
