package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenResolver turns an opaque bearer credential into a user identity.
// User management lives in another service; this is the only contact surface.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (int, error)
}

// JWTResolver validates HS256 tokens carrying a user_id claim.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver constructs a JWTResolver.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve verifies the token and returns the authenticated user id.
func (r *JWTResolver) Resolve(_ context.Context, token string) (int, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	raw, ok := claims["user_id"].(float64)
	if !ok || raw <= 0 {
		return 0, ErrInvalidToken
	}
	return int(raw), nil
}

var _ TokenResolver = (*JWTResolver)(nil)
