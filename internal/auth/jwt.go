package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the operator token claims. The subject names the operator.
type Claims struct {
	jwt.RegisteredClaims
}

// Operator returns the operator the token was issued to.
func (c *Claims) Operator() string { return c.Subject }

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken signs an operator token valid for cfg.TTL.
func GenerateToken(cfg *JWTConfig, operator string) (string, error) {
	claims := Claims{jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   operator,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.TTL)),
	}}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

// ValidateToken parses tokenString and checks its signature, expiry, issuer
// and audience against cfg.
func ValidateToken(cfg *JWTConfig, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no operator")
	}
	return claims, nil
}
