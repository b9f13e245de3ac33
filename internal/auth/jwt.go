// Package auth verifies bearer tokens presented on gateway connections.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims represents the JWT claims issued by the control panel API.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Identity is the caller resolved from a verified token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// VerifierConfig selects the key source and optional claim checks.
type VerifierConfig struct {
	// Secret enables HMAC (HS256/384/512) verification.
	Secret string
	// JWKSEndpoint enables asymmetric verification against a remote key set.
	// Ignored when Secret is set.
	JWKSEndpoint string
	Issuer       string
	Audience     string
}

// JWTVerifier validates JWTs with either a shared secret or a JWKS endpoint.
type JWTVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewJWTVerifier creates a verifier. With a JWKS endpoint the key set is
// fetched once up front and refreshed in the background by keyfunc.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	opts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	switch {
	case cfg.Secret != "":
		secret := []byte(cfg.Secret)
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		return &JWTVerifier{
			keyfunc: func(*jwt.Token) (interface{}, error) { return secret, nil },
			parser:  jwt.NewParser(opts...),
		}, nil

	case cfg.JWKSEndpoint != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSEndpoint})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
		}
		return &JWTVerifier{
			keyfunc: k.Keyfunc,
			parser:  jwt.NewParser(opts...),
		}, nil

	default:
		return nil, errors.New("no token key source configured")
	}
}

// Verify validates a token and returns the identity it was issued to.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no user", ErrInvalidToken)
	}

	return &Identity{
		UserID: userID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}
