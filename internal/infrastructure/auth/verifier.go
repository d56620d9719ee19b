// Package auth verifies bearer tokens issued by the external identity
// provider. Verification is local: RS256 signatures are checked against the
// provider's published JWKS, so the hot path never calls the provider.
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
)

// TokenVerifier turns a raw bearer token into verified claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*user.Claims, error)
}

// Verifier validates RS256 tokens against the configured issuer, audience
// and key set.
type Verifier struct {
	keys     *KeySet
	issuer   string
	audience string
}

func NewVerifier(cfg config.IdentityConfig, logger *zap.Logger) *Verifier {
	return &Verifier{
		keys:     NewKeySet(cfg.JWKSURL, logger),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Username          string `json:"preferred_username"`
	FallbackUsername  string `json:"username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PhoneNumber       string `json:"phone_number"`
}

// Verify checks signature, expiry, issuer and audience, and maps the token
// into domain claims. Every failure surfaces as an unauthorized error.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*user.Claims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return v.keyFor(ctx, t) },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.NewUnauthorizedError("Invalid or expired token").WithCause(err)
	}
	if !token.Valid {
		return nil, errors.NewUnauthorizedError("Invalid or expired token")
	}
	if claims.Subject == "" {
		return nil, errors.NewUnauthorizedError("Token missing subject")
	}

	username := claims.Username
	if username == "" {
		username = claims.FallbackUsername
	}
	if username == "" {
		username = claims.Email
	}

	return &user.Claims{
		UserID:        claims.Subject,
		Username:      username,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Phone:         claims.PhoneNumber,
	}, nil
}

func (v *Verifier) keyFor(ctx context.Context, t *jwt.Token) (*rsa.PublicKey, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}
	return v.keys.Key(ctx, kid)
}
