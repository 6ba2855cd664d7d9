package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func tokenFor(t *testing.T, m *TokenManager, id string, role Role) string {
	t.Helper()
	raw, err := m.Issue(Identity{ID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return raw
}

func TestBearerToken_Sources(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))

	r = httptest.NewRequest("GET", "/ws?token=qqq", nil)
	assert.Equal(t, "qqq", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "chat, bearer.sub123")
	assert.Equal(t, "sub123", BearerToken(r))
}

func newRouter(m *TokenManager, guard ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	handlers := append(guard, func(c *gin.Context) {
		id := MustIdentity(c)
		c.JSON(http.StatusOK, gin.H{"id": id.ID, "role": id.Role})
	})
	r.GET("/me", handlers...)
	return r
}

func TestRequireAuth(t *testing.T) {
	m := newTestManager()
	r := newRouter(m, RequireAuth())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, m, "cus_9", RoleCustomer))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cus_9")
}

func TestRequireAuth_InvalidTokenTreatedAsAnonymous(t *testing.T) {
	r := newRouter(newTestManager(), RequireAuth())

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	m := newTestManager()
	r := newRouter(m, RequireRole(RoleAdmin, RoleFreelancer))

	tests := []struct {
		role Role
		want int
	}{
		{RoleAdmin, http.StatusOK},
		{RoleFreelancer, http.StatusOK},
		{RoleCustomer, http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, m, "u1", tt.role))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tt.want, w.Code, "role %s", tt.role)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
