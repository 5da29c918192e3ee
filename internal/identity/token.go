package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims holds JWT claims for an identity token. Role is deliberately
// absent: roles are selected at runtime, not baked into the token.
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Anonymous bool      `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates identity tokens.
type TokenService struct {
	secret      []byte
	expireHours int
}

// NewTokenService creates a token service.
func NewTokenService(secret string, expireHours int) *TokenService {
	return &TokenService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a new JWT for the identity.
func (s *TokenService) Generate(userID uuid.UUID, email string, anonymous bool) (string, error) {
	claims := Claims{
		UserID:    userID,
		Email:     email,
		Anonymous: anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or ErrInvalidToken.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
