package models

import (
	"time"

	"github.com/golang-jwt/jwt"
)

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WalletBalance int64     `json:"wallet_balance"`
	HeldBalance   int64     `json:"held_balance"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

// Roles carried in access tokens.
const (
	RoleAdmin  = "admin"
	RoleClinic = "clinic"
	RoleUser   = "user"
)

type Claims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id,omitempty"`
	jwt.StandardClaims
}
