package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/registry"
)

// Deployment default lifetimes. Access tokens live one hour; refresh
// tokens thirty days, overridable per client.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        []string
}

// Issuer mints token pairs from validated grants. It makes no validity
// decisions of its own; anything reaching Issue has already been allowed
// by the grant processor.
type Issuer struct {
	Codec    *Codec
	Registry registry.Registry

	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Issue encodes an access token for the grant and registers a new opaque
// refresh token bound to the grant's subject and client.
func (i *Issuer) Issue(ctx context.Context, g *grant.Grant) (*Pair, error) {
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	issuedAt := now().Truncate(time.Second)

	accessTTL := i.AccessTTL
	if g.AccessTTL > 0 {
		accessTTL = g.AccessTTL
	}
	if accessTTL == 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := i.RefreshTTL
	if g.RefreshTTL > 0 {
		refreshTTL = g.RefreshTTL
	}
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTTL
	}

	access, err := i.Codec.Encode(Claims{
		Subject:   g.Subject,
		ClientID:  g.ClientID,
		Scopes:    g.Scopes,
		Issuer:    i.Issuer,
		Audience:  i.Audience,
		TokenID:   uuid.NewString(),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(accessTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding access token: %w", err)
	}

	// client credentials grants have no subject and get no refresh token;
	// the client can simply authenticate again.
	var refreshID string
	if g.Subject != "" {
		refreshID, err = newOpaqueToken()
		if err != nil {
			return nil, fmt.Errorf("generating refresh token: %w", err)
		}
		err = i.Registry.Register(ctx, registry.Record{
			ID:        refreshID,
			Subject:   g.Subject,
			ClientID:  g.ClientID,
			Scopes:    g.Scopes,
			ExpiresAt: issuedAt.Add(refreshTTL),
			CreatedAt: issuedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("registering refresh token: %w", err)
		}
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refreshID,
		TokenType:    "bearer",
		ExpiresIn:    int64(accessTTL / time.Second),
		Scope:        g.Scopes,
	}, nil
}

// newOpaqueToken returns 32 random bytes hex-encoded. The string carries
// no meaning; all state lives in the registry.
func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
