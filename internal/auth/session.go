package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/domain"
)

const (
	defaultSessionTTL = time.Hour
	minSecretLength   = 32
)

var ErrWeakSecret = fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)

// Claims carried by a session token. Role is the effective role at
// issuance; it is not refreshed if the account's role changes later.
type Claims struct {
	Role authz.Role `json:"role"`
	jwt.RegisteredClaims
}

type Token struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// SessionIssuer signs and verifies stateless HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionIssuer(secret string, ttl time.Duration, now func() time.Time) (*SessionIssuer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: now}, nil
}

func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

func (s *SessionIssuer) Issue(subjectID string, role authz.Role) (Token, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Token{}, domain.New(domain.KindValidation, "session subject is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Token{}, fmt.Errorf("generate token id: %w", err)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		Role: authz.Normalize(string(role)),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        id.String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{Value: signed, ID: id.String(), ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks signature, algorithm and expiry. It touches no shared state.
func (s *SessionIssuer) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, domain.ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, domain.ErrTokenExpired
		}
		return Claims{}, domain.ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, domain.ErrInvalidToken
	}

	return claims, nil
}
