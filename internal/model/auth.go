package model

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleAdmin = "admin"
	// RoleService marks tokens minted by the platform's own services.
	RoleService = "service"
)

// Principal is the authenticated caller of one request. Credential is the raw
// bearer token and is forwarded to the ledger unchanged.
type Principal struct {
	Subject    string
	Role       string
	Credential string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func (p Principal) IsService() bool {
	return p.Role == RoleService
}

// Privileged callers may act on any account.
func (p Principal) Privileged() bool {
	return p.IsAdmin() || p.IsService()
}

// Owns reports whether account is the caller's own wallet. A wallet is keyed
// by the id of the user holding it.
func (p Principal) Owns(account uuid.UUID) bool {
	id, err := uuid.Parse(p.Subject)
	return err == nil && account != uuid.Nil && id == account
}

// TokenClaims are the claims this service reads from an access token.
type TokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
