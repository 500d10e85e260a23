package auth

import (
	"fmt"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/credentials"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity claims embedded in access tokens.
type Claims struct {
	UserID      string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims into the stored identity. The explicit
// id claim wins over the subject.
func (c *Claims) Principal() credentials.Principal {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	return credentials.Principal{
		ID:          id,
		Name:        c.Name,
		Email:       c.Email,
		Role:        c.Role,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// DecodeClaims reads the claims of an access token without verifying its
// signature. The client never holds the signing key; the remote service
// stays the authority on validity.
func DecodeClaims(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Expiration returns the exp claim of an access token.
func Expiration(token string) (time.Time, error) {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}

// devSigningKey signs synthesized development sessions. The key is not a
// secret: the client never verifies signatures.
var devSigningKey = []byte("apiclient-dev-session")

// mintDevToken creates an access token for the development login fallback.
func mintDevToken(identifier string, now time.Time, ttl time.Duration) (string, credentials.Principal, error) {
	claims := Claims{
		UserID:      "dev-user",
		Name:        "Developer",
		Role:        "admin",
		Roles:       []string{"admin"},
		Permissions: []string{"*"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dev-user",
			Issuer:    "apiclient-dev",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if identifier != "" {
		claims.Name = identifier
		claims.Email = identifier
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(devSigningKey)
	if err != nil {
		return "", credentials.Principal{}, fmt.Errorf("sign dev token: %w", err)
	}
	return signed, claims.Principal(), nil
}
