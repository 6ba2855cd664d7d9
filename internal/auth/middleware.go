package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/logging"
)

// ContextKeyIdentity is the gin context key holding *Identity.
const ContextKeyIdentity = "authIdentity"

// subprotocolPrefix carries a token in Sec-WebSocket-Protocol, since
// browsers cannot set headers on websocket handshakes.
const subprotocolPrefix = "bearer."

// BearerToken extracts a token from the Authorization header, the token
// query parameter, or a "bearer.<token>" websocket subprotocol.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	for _, p := range websocketProtocols(r) {
		if strings.HasPrefix(p, subprotocolPrefix) {
			return strings.TrimPrefix(p, subprotocolPrefix)
		}
	}
	return ""
}

// websocketProtocols splits Sec-WebSocket-Protocol the same way the
// gorilla upgrader does.
func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Middleware verifies the bearer token when present and stores the
// identity in the gin context. It never rejects; RequireAuth does.
func Middleware(m *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := BearerToken(c.Request); raw != "" {
			if id, err := m.Verify(raw); err == nil {
				c.Set(ContextKeyIdentity, id)
				ctx := logging.WithSubject(c.Request.Context(), id.ID, string(id.Role))
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			envelope.Error(c, ErrMissingToken)
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			envelope.Error(c, ErrMissingToken)
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		envelope.Error(c, apierr.New(apierr.Forbidden, "this action is not available for your role"))
	}
}

// GetIdentity returns the verified caller, if any.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// MustIdentity returns the caller on routes guarded by RequireAuth.
func MustIdentity(c *gin.Context) *Identity {
	id, ok := GetIdentity(c)
	if !ok {
		panic("auth: MustIdentity on unauthenticated route")
	}
	return id
}
