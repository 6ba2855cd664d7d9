// Package auth verifies HS256 access tokens and exposes the caller's
// identity to HTTP handlers and the websocket gateway.
//
// Token model:
//   - sub is the account id, role is customer, admin or freelancer
//   - email and name are optional and only used to create the
//     payment-processor customer
//   - tokens are minted by the identity service (or cmd/devtoken locally)
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/servicedesk/internal/apierr"
)

// Role identifies which kind of account a token belongs to.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAdmin      Role = "admin"
	RoleFreelancer Role = "freelancer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAdmin, RoleFreelancer:
		return true
	}
	return false
}

// IsResponder reports whether r may respond to requests with offers.
func (r Role) IsResponder() bool {
	return r == RoleAdmin || r == RoleFreelancer
}

var (
	ErrMissingToken = apierr.WithCode(apierr.Unauthorized, "missing_token", "authentication required")
	ErrInvalidToken = apierr.WithCode(apierr.Unauthorized, "invalid_token", "invalid or expired token")
)

// Identity is the authenticated caller.
type Identity struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Claims is the JWT payload.
type Claims struct {
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies access tokens with a shared secret.
type TokenManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue mints a token for id valid for ttl.
func (m *TokenManager) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.ID == "" || !id.Role.Valid() {
		return "", fmt.Errorf("auth: cannot issue token for %q/%q", id.ID, id.Role)
	}
	now := m.now()
	claims := &Claims{
		Role:  id.Role,
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the identity it carries.
func (m *TokenManager) Verify(raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return &Identity{
		ID:    claims.Subject,
		Role:  claims.Role,
		Email: claims.Email,
		Name:  claims.Name,
	}, nil
}
