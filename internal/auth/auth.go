// Package auth implements Bearer-JWT authentication for the admin HTTP
// surface (GET /stats, GET /metrics). There is no end-user session concept
// here: client identity and trust are established entirely by the gateway's
// own peerId/pairing/attestation handshake, never by this package.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSecret is returned by NewService when no signing secret is
	// configured; an admin surface with no secret would accept any forged
	// token, so this is refused rather than silently disabling auth.
	ErrMissingSecret = errors.New("auth: admin JWT secret is not configured")
	// ErrInvalidToken is returned for any token that fails parsing,
	// signature verification, or claim validation.
	ErrInvalidToken = errors.New("auth: invalid or expired admin token")
)

// Claims is the JWT claim set issued to admin operators.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Service validates admin Bearer tokens against a single HMAC secret. It
// does not issue tokens over HTTP; operators are minted out of band (the
// `zajel token` CLI subcommand) since the admin surface has no signup flow.
type Service struct {
	secret []byte
}

func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Service{secret: []byte(secret)}, nil
}

// IssueToken mints a signed admin token for subject, valid for ttl. Used by
// the CLI to produce operator tokens; never exposed over HTTP.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies raw, returning the subject on success.
func (s *Service) ValidateToken(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
