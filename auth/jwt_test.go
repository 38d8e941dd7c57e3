package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestHMACValidator_ValidToken(t *testing.T) {
	v, err := NewHMACValidator(testSecret, "governance-core")
	require.NoError(t, err)

	principalID := uuid.New()
	now := time.Now()
	token, err := IssueToken(testSecret, "governance-core", principalID, "ana@example.com", "admin", time.Hour, now)
	require.NoError(t, err)

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, principalID.String(), claims.Sub)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "governance-core", claims.Iss)
	assert.Equal(t, now.Add(time.Hour).Unix(), claims.Exp)
}

func TestHMACValidator_Rejections(t *testing.T) {
	v, err := NewHMACValidator(testSecret, "governance-core")
	require.NoError(t, err)
	principalID := uuid.New()

	expired, err := IssueToken(testSecret, "governance-core", principalID, "", "", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	wrongSecret, err := IssueToken("other-secret", "governance-core", principalID, "", "", time.Hour, time.Now())
	require.NoError(t, err)

	wrongIssuer, err := IssueToken(testSecret, "someone-else", principalID, "", "", time.Hour, time.Now())
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "governance-core", Subject: principalID.String()},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "governance-core",
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "governance-core",
			Subject:   principalID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "expired", token: expired, wantErr: ErrTokenExpired},
		{name: "wrong secret", token: wrongSecret, wantErr: ErrInvalidToken},
		{name: "wrong issuer", token: wrongIssuer, wantErr: ErrInvalidIssuer},
		{name: "missing expiry", token: noExpiry, wantErr: ErrInvalidToken},
		{name: "non uuid subject", token: badSubject, wantErr: ErrInvalidToken},
		{name: "unexpected algorithm", token: hs512, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not-a-token", wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.ValidateToken(context.Background(), tt.token)
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewHMACValidator_RequiresSecret(t *testing.T) {
	_, err := NewHMACValidator("", "x")
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = IssueToken("", "x", uuid.New(), "", "", time.Hour, time.Now())
	assert.ErrorIs(t, err, ErrMissingSecret)
}
