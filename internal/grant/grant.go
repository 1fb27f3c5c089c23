// Package grant validates token requests. One authorization event in,
// one Grant out; all the "may this caller have these tokens" decisions
// happen here, so issuance downstream never has to re-check anything.
package grant

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidClient means the client is unknown or its secret is wrong.
	ErrInvalidClient = errors.New("invalid client")
	// ErrUnauthorizedClient means the client may not use this grant type.
	ErrUnauthorizedClient = errors.New("client not authorized for grant type")
	// ErrUnsupportedGrant means the grant_type is not one we implement.
	ErrUnsupportedGrant = errors.New("unsupported grant type")
	// ErrInvalidCredentials means the resource owner's password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidScope means the request asked for scopes the client (or
	// the original grant, on refresh) does not hold.
	ErrInvalidScope = errors.New("requested scope exceeds allowed scope")
	// ErrClientMismatch means a refresh token was presented by a client
	// other than the one it was issued to.
	ErrClientMismatch = errors.New("refresh token belongs to another client")
)

// Grant types accepted by the processor.
const (
	TypePassword          = "password"
	TypeRefreshToken      = "refresh_token"
	TypeClientCredentials = "client_credentials"
)

// Request is a parsed token-endpoint request.
type Request struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// password grant
	Username string
	Password string

	// refresh_token grant
	RefreshToken string

	// Scope is the requested scope set. Empty means "everything allowed".
	Scope []string
}

// Grant is one authorization decision: a subject (empty for
// client_credentials), a client and a scope set, ready to be minted into
// tokens. It exists only long enough to issue tokens.
type Grant struct {
	Subject  string
	ClientID string
	Scopes   []string
	IssuedAt time.Time

	// Lifetime overrides from the client record; zero means deployment default.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Client is the slice of a client record the processor needs.
type Client struct {
	ID string
	// SecretHash is a bcrypt hash, or empty for public clients.
	SecretHash string
	GrantTypes []string
	Scopes     []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// ClientSource looks up registered clients. (nil, nil) means unknown.
type ClientSource interface {
	ClientByID(ctx context.Context, id string) (*Client, error)
}

// CredentialVerifier checks a user's password and returns the user id.
// Satisfied by credential.Verifier.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (string, error)
}
