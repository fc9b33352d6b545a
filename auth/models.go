package auth

import (
	"time"

	"escrowflow/ledger"
)

type Role string

const (
	RoleParty      Role = "party"
	RoleFunder     Role = "funder"
	RoleArbitrator Role = "arbitrator"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Address      ledger.Address
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID  string
	Address ledger.Address
	Role    Role
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	FullName string         `json:"full_name"`
	Address  ledger.Address `json:"address"`
	Role     Role           `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
