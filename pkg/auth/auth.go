// Package auth verifies and issues the HS256 bearer tokens that identify
// report owners.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultUserIDClaim is the claim that carries the caller's user id.
const DefaultUserIDClaim = "id"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Tokens signs and verifies tokens with a shared secret.
type Tokens struct {
	secret []byte
	claim  string
	now    func() time.Time
}

// NewTokens creates a Tokens for secret. An empty claim selects
// DefaultUserIDClaim.
func NewTokens(secret, claim string) *Tokens {
	if claim == "" {
		claim = DefaultUserIDClaim
	}

	return &Tokens{
		secret: []byte(secret),
		claim:  claim,
		now:    time.Now,
	}
}

// Verify validates token and returns the user id it carries.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}

		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}

		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}

	userID, ok := claimString(claims[t.claim])
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: claim %q missing", ErrInvalidToken, t.claim)
	}

	return userID, nil
}

// Issue signs a token for userID. A zero ttl issues a token without
// expiry.
func (t *Tokens) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	now := t.now()

	claims := jwt.MapClaims{
		t.claim: userID,
		"iat":   jwt.NewNumericDate(now),
		"nbf":   jwt.NewNumericDate(now),
	}

	if ttl > 0 {
		claims["exp"] = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: expected \"Bearer <token>\"", ErrInvalidToken)
	}

	return strings.TrimSpace(token), nil
}

// claimString accepts string and numeric user ids.
func claimString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}
