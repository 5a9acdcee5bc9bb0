package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Session tracks one authenticated login. The design target is at most one
// active access token per session at any instant; Refresh swaps the token
// atomically under the authority's lock.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	AccessJTI    string    `json:"-"`
	RefreshJTI   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
}

// TokenClaims are the signed claims carried by access and refresh tokens.
type TokenClaims struct {
	UserID      string   `json:"uid"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"sid"`
	TokenType   string   `json:"typ"`
	jwt.RegisteredClaims
}

// LoginResponse is returned on successful authentication.
type LoginResponse struct {
	User         UserInfo  `json:"user"`
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RefreshResponse is returned when a refresh token is exchanged.
type RefreshResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}
