package token

import (
	"errors"
	"time"
)

var (
	// ErrExpired means the token's exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrWrongIssuer means the iss claim does not match this deployment.
	ErrWrongIssuer = errors.New("wrong token issuer")
	// ErrWrongAudience means the aud claim does not match this deployment.
	ErrWrongAudience = errors.New("wrong token audience")
	// ErrInsufficientScope means the token lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Principal is an authenticated caller extracted from a valid token.
type Principal struct {
	Subject   string
	ClientID  string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}

// HasScope reports whether the principal carries the named scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator turns bearer tokens into principals. Every check is a pure
// function of the token, the configured issuer/audience, the key set and
// the clock, so validation needs no store round trip.
type Validator struct {
	Codec    *Codec
	Issuer   string
	Audience string

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

// Validate decodes and verifies a bearer token, then checks expiry,
// issuer, audience and required scopes, in that order. A token is invalid
// at exactly its expiry instant.
func (v *Validator) Validate(tokenString string, requiredScopes []string) (*Principal, error) {
	cl, err := v.Codec.Decode(tokenString)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !now().Before(cl.ExpiresAt) {
		return nil, ErrExpired
	}
	if v.Issuer != "" && cl.Issuer != v.Issuer {
		return nil, ErrWrongIssuer
	}
	if v.Audience != "" && cl.Audience != v.Audience {
		return nil, ErrWrongAudience
	}

	p := &Principal{
		Subject:   cl.Subject,
		ClientID:  cl.ClientID,
		Scopes:    cl.Scopes,
		TokenID:   cl.TokenID,
		ExpiresAt: cl.ExpiresAt,
	}
	for _, s := range requiredScopes {
		if !p.HasScope(s) {
			return nil, ErrInsufficientScope
		}
	}
	return p, nil
}
