// Package token implements the token engine: encoding and decoding of
// signed access tokens, signing-key lifecycle, token issuance and
// stateless validation. The codec proves integrity; the validator proves
// current validity. Nothing in this package touches a store except the
// issuer registering refresh tokens.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the typed claim set carried by an access token. Required
// fields are part of the structure rather than a free-form map so a
// missing field is a compile error, not a runtime surprise.
type Claims struct {
	// Subject is the user id, or empty for client_credentials tokens.
	Subject string
	// ClientID identifies the client the token was issued to.
	ClientID string
	// Scopes the token carries. Always a subset of what the client may hold.
	Scopes []string

	Issuer   string
	Audience string

	// TokenID is the unique token identifier (jti).
	TokenID string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims is the JWT shape of Claims. Scope is space-delimited on the
// wire per RFC 6749 convention.
type wireClaims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}
