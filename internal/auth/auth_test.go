package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/apierr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager() *TokenManager {
	return NewTokenManager(testSecret, "servicedesk")
}

func TestIssueVerify(t *testing.T) {
	m := newTestManager()
	raw, err := m.Issue(Identity{ID: "cus_1", Role: RoleCustomer, Email: "ana@example.com", Name: "Ana"}, time.Hour)
	require.NoError(t, err)

	id, err := m.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id.ID)
	assert.Equal(t, RoleCustomer, id.Role)
	assert.Equal(t, "ana@example.com", id.Email)
	assert.Equal(t, "Ana", id.Name)
}

func TestIssue_RejectsUnknownRole(t *testing.T) {
	_, err := newTestManager().Issue(Identity{ID: "x", Role: "superuser"}, time.Hour)
	assert.Error(t, err)
}

func TestVerify_Failures(t *testing.T) {
	m := newTestManager()
	good, err := m.Issue(Identity{ID: "fr_1", Role: RoleFreelancer}, time.Hour)
	require.NoError(t, err)

	expired, err := m.Issue(Identity{ID: "fr_1", Role: RoleFreelancer}, -time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewTokenManager(testSecret, "elsewhere").Issue(Identity{ID: "fr_1", Role: RoleFreelancer}, time.Hour)
	require.NoError(t, err)

	otherSecret, err := NewTokenManager("ffffffffffffffffffffffffffffffff", "servicedesk").Issue(Identity{ID: "fr_1", Role: RoleFreelancer}, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "adm_1",
		Issuer:    "servicedesk",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"tampered", good + "x", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong issuer", otherIssuer, ErrInvalidToken},
		{"wrong secret", otherSecret, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Verify(tt.raw)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
		})
	}
}

func TestRole(t *testing.T) {
	assert.True(t, RoleAdmin.IsResponder())
	assert.True(t, RoleFreelancer.IsResponder())
	assert.False(t, RoleCustomer.IsResponder())
	assert.False(t, Role("").Valid())
}
