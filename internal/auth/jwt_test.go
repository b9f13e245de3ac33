package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTVerifier_HMAC(t *testing.T) {
	v, err := NewJWTVerifier(VerifierConfig{Secret: "s3cret"})
	require.NoError(t, err)

	valid := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "user-1",
		Email:            "ops@example.com",
	}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{name: "valid", token: signHS256(t, "s3cret", valid), wantID: "user-1"},
		{
			name: "subject fallback",
			token: signHS256(t, "s3cret", Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "user-2"},
			}),
			wantID: "user-2",
		},
		{name: "wrong secret", token: signHS256(t, "other", valid), wantErr: true},
		{
			name: "expired",
			token: signHS256(t, "s3cret", Claims{
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
				UserID:           "user-1",
			}),
			wantErr: true,
		},
		{name: "no user", token: signHS256(t, "s3cret", Claims{}), wantErr: true},
		{name: "garbage", token: "not-a-jwt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tt.token)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidToken), "error should wrap ErrInvalidToken: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.UserID)
		})
	}
}

func TestJWTVerifier_IssuerAndAudience(t *testing.T) {
	v, err := NewJWTVerifier(VerifierConfig{Secret: "s3cret", Issuer: "openpanel", Audience: "gateway"})
	require.NoError(t, err)

	good := signHS256(t, "s3cret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "openpanel", Audience: jwt.ClaimStrings{"gateway"}},
		UserID:           "u",
	})
	_, err = v.Verify(context.Background(), good)
	require.NoError(t, err)

	badIssuer := signHS256(t, "s3cret", Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", Audience: jwt.ClaimStrings{"gateway"}},
		UserID:           "u",
	})
	_, err = v.Verify(context.Background(), badIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_RejectsNoneAlgorithm(t *testing.T) {
	v, err := NewJWTVerifier(VerifierConfig{Secret: "s3cret"})
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifier_RequiresKeySource(t *testing.T) {
	_, err := NewJWTVerifier(VerifierConfig{})
	assert.Error(t, err)
}
