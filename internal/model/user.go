// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. There is no inheritance;
// Go favours composition.
package model

import "time"

// User represents a registered account (a "UserIdentity").
//
// A user signs up either with a password or with an external identity
// (a Google ID token). Both fields may coexist once an email account links
// a Google login, but each signup path only fills one of them.
//
// WHY *string FOR PasswordHash AND ExternalID?
// Both columns are nullable. external_id carries a UNIQUE constraint, and
// SQL treats NULLs as distinct, so many password-only users can share a
// NULL external_id. An empty string would collide on the second insert.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash *string   `json:"-"` // bcrypt hash, never serialised
	ExternalID   *string   `json:"-"` // Google "sub" claim
	CreatedAt    time.Time `json:"createdAt"`
}

// HasPassword reports whether the account can log in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
