package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/testutil"
)

func setupTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reqs := requests.NewService(requests.NewMemoryStore(), slog.Default())
	r, _, err := reqs.Submit(context.Background(), customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	handler := NewHandler(NewService(NewMemoryStore(), reqs, slog.Default()))
	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(testutil.FakeAuth())
	handler.RegisterRoutes(v1)
	handler.RegisterResponderRoutes(v1)
	handler.RegisterCustomerRoutes(v1)
	return router, r.ID
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func call(t *testing.T, r *gin.Engine, method, path, subject, role, body string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(testutil.HeaderSubject, subject)
	req.Header.Set(testutil.HeaderRole, role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestHandler_OfferLifecycle(t *testing.T) {
	r, requestID := setupTestRouter(t)

	body := `{"customerId":"cus_1","requestId":"` + requestID + `","name":"CRM","budget":"1000","deliverables":["setup"]}`
	code, resp := call(t, r, "POST", "/v1/offers", "adm_1", "admin", body)
	require.Equal(t, http.StatusCreated, code)
	var offer OfferView
	require.NoError(t, json.Unmarshal(resp.Data, &offer))
	assert.Equal(t, "1000.00", offer.Budget)
	assert.Equal(t, StatusPending, offer.Status)

	code, _ = call(t, r, "GET", "/v1/offers/"+offer.ID, "cus_1", "customer", "")
	assert.Equal(t, http.StatusOK, code)

	code, resp = call(t, r, "GET", "/v1/offers", "cus_1", "customer", "")
	require.Equal(t, http.StatusOK, code)
	var list []OfferView
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 1)

	code, _ = call(t, r, "POST", "/v1/accept-reject-offer", "cus_2", "customer",
		`{"offerId":"`+offer.ID+`","status":"accepted"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = call(t, r, "POST", "/v1/accept-reject-offer", "cus_1", "customer",
		`{"offerId":"`+offer.ID+`","status":"accepted"}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &offer))
	assert.Equal(t, StatusAccepted, offer.Status)

	code, resp = call(t, r, "POST", "/v1/accept-reject-offer", "cus_1", "customer",
		`{"offerId":"`+offer.ID+`","status":"rejected"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "offer_resolved", resp.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, requestID := setupTestRouter(t)

	code, resp := call(t, r, "POST", "/v1/offers", "adm_1", "admin",
		`{"customerId":"cus_1","requestId":"`+requestID+`","name":"CRM","budget":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)

	code, _ = call(t, r, "POST", "/v1/offers", "adm_1", "admin", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, r, "GET", "/v1/offers/off_missing", "cus_1", "customer", "")
	assert.Equal(t, http.StatusNotFound, code)
}
