package auth

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidSecret is returned when the admin secret does not match.
	ErrInvalidSecret = errors.New("invalid admin secret")
	// ErrAdminDisabled is returned when no admin secret is configured.
	ErrAdminDisabled = errors.New("admin secret not configured")
)

// Service checks the shared admin secret and issues operator tokens.
type Service struct {
	secretHash string
	jwtConfig  *JWTConfig
}

// NewService creates a new authentication service. An empty secretHash
// disables secret-based admin verification.
func NewService(secretHash string, jwtConfig *JWTConfig) *Service {
	return &Service{
		secretHash: strings.TrimSpace(secretHash),
		jwtConfig:  jwtConfig,
	}
}

// VerifyAdmin checks a participant-supplied secret.
func (s *Service) VerifyAdmin(secret string) error {
	if s == nil || s.secretHash == "" {
		return ErrAdminDisabled
	}
	if secret == "" || CompareSecret(s.secretHash, secret) != nil {
		return ErrInvalidSecret
	}
	return nil
}

// IssueToken exchanges the admin secret for an operator token.
func (s *Service) IssueToken(operator, secret string) (string, error) {
	if err := s.VerifyAdmin(secret); err != nil {
		return "", err
	}
	return GenerateToken(s.jwtConfig, operator)
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
