package testutil

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/auth"
)

// Header names read by FakeAuth.
const (
	HeaderSubject = "X-Test-Subject"
	HeaderRole    = "X-Test-Role"
)

// FakeAuth stands in for auth.Middleware in handler tests: it trusts the
// X-Test-Subject and X-Test-Role headers.
func FakeAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sub := c.GetHeader(HeaderSubject); sub != "" {
			c.Set(auth.ContextKeyIdentity, &auth.Identity{
				ID:    sub,
				Role:  auth.Role(c.GetHeader(HeaderRole)),
				Email: sub + "@example.com",
				Name:  sub,
			})
		}
		c.Next()
	}
}
