package conversations

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

	"github.com/mbd888/servicedesk/internal/pagination"
	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/testutil"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reqs := requests.NewService(requests.NewMemoryStore(), slog.Default())
	r, _, err := reqs.Submit(context.Background(), customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	svc := NewService(NewMemoryStore(), reqs, slog.Default())
	handler := NewHandler(svc)
	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(testutil.FakeAuth())
	handler.RegisterResponderRoutes(v1)
	handler.RegisterRoutes(v1)
	return router, svc, r.ID
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

func TestHandler_OpenConversation(t *testing.T) {
	r, _, requestID := setupTestRouter(t)
	body := `{"requestId":"` + requestID + `"}`

	code, resp := call(t, r, "POST", "/v1/conversations", "adm_1", "admin", body)
	require.Equal(t, http.StatusCreated, code)
	var conv ConversationView
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.Equal(t, customer.ID, conv.CustomerID)
	assert.Equal(t, TypeAdmin, conv.Type)

	code, resp = call(t, r, "POST", "/v1/conversations", "adm_1", "admin", body)
	require.Equal(t, http.StatusOK, code)
	var again ConversationView
	require.NoError(t, json.Unmarshal(resp.Data, &again))
	assert.Equal(t, conv.ID, again.ID)

	code, _ = call(t, r, "POST", "/v1/conversations", "cus_1", "customer", body)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = call(t, r, "POST", "/v1/conversations", "adm_1", "admin", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestHandler_ListAndHistory(t *testing.T) {
	r, svc, requestID := setupTestRouter(t)
	ctx := context.Background()

	conv, _, err := svc.Open(ctx, freelancer, OpenRequest{RequestID: requestID})
	require.NoError(t, err)
	for _, body := range []string{"one", "two", "three"} {
		_, _, err := svc.Append(ctx, freelancer, SendRequest{ConversationID: conv.ID, Body: body}, false)
		require.NoError(t, err)
	}

	code, resp := call(t, r, "GET", "/v1/conversations", "cus_1", "customer", "")
	require.Equal(t, http.StatusOK, code)
	var list []ConversationView
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].UnreadCount)
	require.NotNil(t, list[0].LatestMessage)
	assert.Equal(t, "three", list[0].LatestMessage.Body)
	assert.Equal(t, "fl_1", list[0].LatestMessage.SenderID)

	// the responder's own view has nothing unread
	code, resp = call(t, r, "GET", "/v1/conversations", "fl_1", "freelancer", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].UnreadCount)

	code, resp = call(t, r, "GET", "/v1/conversations/"+conv.ID+"/messages?limit=2", "cus_1", "customer", "")
	require.Equal(t, http.StatusOK, code)
	var page pagination.Page[MessageView]
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "three", page.Items[0].Body)

	code, _ = call(t, r, "GET", "/v1/conversations/"+conv.ID+"/messages", "cus_2", "customer", "")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = call(t, r, "GET", "/v1/conversations/conv_missing/messages", "cus_1", "customer", "")
	assert.Equal(t, http.StatusNotFound, code)
}
