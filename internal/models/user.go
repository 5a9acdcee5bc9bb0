package models

import "time"

// User represents a registered account. Accounts are soft-disabled, never
// hard-deleted, so audit history stays attributable.
type User struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	PasswordRecord  string     `json:"password_record"`
	PreviousRecords []string   `json:"previous_records,omitempty"`
	MFASecret       string     `json:"mfa_secret,omitempty"`
	Roles           []string   `json:"roles"`
	Disabled        bool       `json:"disabled"`
	FailedAttempts  int        `json:"failed_attempts"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	UnlockTime      *time.Time `json:"unlock_time,omitempty"`
	LastLogin       *time.Time `json:"last_login,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasRole reports whether the user holds the given role directly.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.UnlockTime != nil && now.Before(*u.UnlockTime)
}

// RegisterRequest carries a registration payload.
type RegisterRequest struct {
	Username string   `json:"username" validate:"required,min=3,max=64"`
	Email    string   `json:"email" validate:"required,email"`
	Password string   `json:"password" validate:"required"`
	Roles    []string `json:"roles,omitempty"`
}

// LoginRequest carries an authentication payload.
type LoginRequest struct {
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	MFACode   string `json:"mfa_code,omitempty"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// UserInfo is the public projection of a user.
type UserInfo struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// Info returns the public projection of the user.
func (u *User) Info() UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username, Email: u.Email, Roles: append([]string(nil), u.Roles...)}
}
