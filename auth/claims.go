package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT payload of an editor session.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"` // "editor" or "admin"
}
