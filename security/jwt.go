// Package security implements the dashboard token service: HS256 JSON
// Web Tokens signed and validated with a single symmetric secret via
// the lestrrat-go/jwx library. There is no user model behind these
// tokens; the subject only identifies the issuing client in logs, and
// the shared secret gating the issuance endpoint is the real
// authorization boundary.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTService generates and validates HS256-signed dashboard tokens.
type JWTService struct {
	secret []byte
}

// NewJWTService initializes a JWTService with the given signing
// secret. The same secret verifies tokens on the read side.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// Key returns the raw HMAC signing key, for callers that need to hand
// it to a separate JWT-verifying middleware (e.g. echo-jwt) instead of
// validating through ValidateToken.
func (j *JWTService) Key() []byte {
	return j.secret
}

// GenerateToken creates a signed JWT with subject as the "sub" claim,
// issued now and expiring after expiration.
func (j *JWTService) GenerateToken(subject string, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken verifies a JWT's signature and expiration against the
// configured secret and returns the parsed token.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	return token, nil
}
