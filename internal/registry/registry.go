// Package registry tracks outstanding refresh tokens so they can be
// rotated on use and revoked on logout. Access tokens are validated
// statelessly and never pass through here; refresh tokens must, on
// every use.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the token id was never registered or has been pruned.
	ErrNotFound = errors.New("refresh token not found")
	// ErrAlreadyConsumed means the token was already redeemed once. The
	// caller should treat this as a replay and revoke the subject's chain.
	ErrAlreadyConsumed = errors.New("refresh token already consumed")
	// ErrExpired means the token was found but its lifetime has elapsed.
	ErrExpired = errors.New("refresh token expired")
)

// Record is the server-side state for one refresh token. The token string
// handed to the client is the record ID; everything else stays here.
type Record struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the one stateful component of the token engine.
type Registry interface {
	// Register stores a freshly minted refresh token.
	Register(ctx context.Context, rec Record) error

	// Lookup returns the record without consuming it. Introspection only;
	// never use this to decide a refresh.
	Lookup(ctx context.Context, id string) (*Record, error)

	// ConsumeAndRotate atomically marks the token consumed and returns the
	// prior record. Concurrent calls for the same id yield exactly one
	// success; the rest get ErrAlreadyConsumed. When the record is still
	// available it is returned alongside ErrAlreadyConsumed and ErrExpired
	// so callers can act on the subject (reuse detection).
	ConsumeAndRotate(ctx context.Context, id string) (*Record, error)

	// Revoke invalidates a single refresh token. Returns ErrNotFound if
	// the id is unknown.
	Revoke(ctx context.Context, id string) error

	// RevokeAll invalidates every outstanding refresh token for a subject
	// (logout everywhere, or replay response).
	RevokeAll(ctx context.Context, subject string) error
}
