// Package credentials persists the active credential pair and the
// authenticated principal.
package credentials

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no record is stored under the requested key.
	ErrNotFound = errors.New("credentials not found")

	// ErrInvalidRecord indicates a stored record could not be decoded.
	ErrInvalidRecord = errors.New("invalid credential record")
)

// Pair is the access/refresh token couple of an authenticated session.
// A pair is replaced wholesale; callers never mutate a stored pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// IsZero reports whether the pair carries no tokens at all.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Principal is the decoded identity behind a session.
type Principal struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the principal carries the role, either as its
// primary role or in its role list.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	if p.Role == role {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal was granted the permission.
func (p *Principal) HasPermission(permission string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

// Store persists the credential pair and the principal under two
// well-known keys. Implementations perform no token validation.
//
// Load and LoadPrincipal return ErrNotFound when nothing is stored.
// Clear removes both records together and is idempotent.
type Store interface {
	Save(ctx context.Context, pair Pair) error
	Load(ctx context.Context) (Pair, error)
	Clear(ctx context.Context) error
	SavePrincipal(ctx context.Context, principal Principal) error
	LoadPrincipal(ctx context.Context) (*Principal, error)
}

// StoreError wraps a backend failure with the operation and key involved.
type StoreError struct {
	Backend   string
	Operation string
	Key       string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s store %s %s: %v", e.Backend, e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("%s store %s: %v", e.Backend, e.Operation, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func clonePrincipal(p Principal) *Principal {
	out := p
	if p.Roles != nil {
		out.Roles = append([]string(nil), p.Roles...)
	}
	if p.Permissions != nil {
		out.Permissions = append([]string(nil), p.Permissions...)
	}
	return &out
}
