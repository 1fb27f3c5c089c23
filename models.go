package main

import "time"

// User represents a user account. Users are never hard-deleted; Disabled
// soft-disables the account while preserving the audit trail.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []string
	Disabled     bool
	CreatedAt    time.Time
}

// Client represents a registered OAuth client application.
type Client struct {
	ID         string
	Name       string
	SecretHash string // empty for public clients
	GrantTypes []string
	Scopes     []string
	// Token lifetime overrides; zero means deployment default.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CreatedAt       time.Time
}
