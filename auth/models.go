package auth

import (
	"time"

	"bountyescrow/principal"
)

// Credential is the login secret of a principal. It mirrors the principals
// table and carries no JSON annotations so presentation layers shape their
// own responses.
type Credential struct {
	Address      principal.Address
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains the credentials a principal registers with.
type RegisterRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

// LoginRequest contains principal login credentials.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}
