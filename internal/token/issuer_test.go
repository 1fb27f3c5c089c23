package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/registry"
)

func TestIssue(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	codec := NewCodec(ring)
	reg := registry.NewMemory()

	now := time.Now().Truncate(time.Second)
	iss := &Issuer{
		Codec:    codec,
		Registry: reg,
		Issuer:   "https://localhost:5001/",
		Audience: "identity-api",
		Now:      func() time.Time { return now },
	}

	g := &grant.Grant{
		Subject:  "user-1",
		ClientID: "default-client",
		Scopes:   []string{"profile", "email"},
		IssuedAt: now,
	}
	pair, err := iss.Issue(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, "bearer", pair.TokenType)
	require.Equal(t, int64(3600), pair.ExpiresIn)
	require.Equal(t, []string{"profile", "email"}, pair.Scope)

	// access token carries the grant, default one-hour lifetime
	cl, err := codec.Decode(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", cl.Subject)
	require.Equal(t, "default-client", cl.ClientID)
	require.Equal(t, now.Add(time.Hour), cl.ExpiresAt)
	require.NotEmpty(t, cl.TokenID)

	// refresh token is registered and redeemable exactly once
	rec, err := reg.ConsumeAndRotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", rec.Subject)
	require.Equal(t, "default-client", rec.ClientID)
	require.Equal(t, now.Add(DefaultRefreshTTL), rec.ExpiresAt)

	_, err = reg.ConsumeAndRotate(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, registry.ErrAlreadyConsumed)
}

func TestIssueClientOverrides(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	codec := NewCodec(ring)
	reg := registry.NewMemory()

	now := time.Now().Truncate(time.Second)
	iss := &Issuer{
		Codec:    codec,
		Registry: reg,
		Now:      func() time.Time { return now },
	}

	g := &grant.Grant{
		Subject:    "user-2",
		ClientID:   "short-lived-client",
		Scopes:     []string{"profile"},
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
	pair, err := iss.Issue(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, int64(900), pair.ExpiresIn)

	rec, err := reg.ConsumeAndRotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, now.Add(24*time.Hour), rec.ExpiresAt)
}

func TestIssueNoRefreshWithoutSubject(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	iss := &Issuer{Codec: NewCodec(ring), Registry: registry.NewMemory()}

	g := &grant.Grant{ClientID: "machine-client", Scopes: []string{"profile"}}
	pair, err := iss.Issue(context.Background(), g)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.Empty(t, pair.RefreshToken)
}

func TestIssueDistinctTokenIDs(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	codec := NewCodec(ring)
	iss := &Issuer{Codec: codec, Registry: registry.NewMemory()}

	g := &grant.Grant{Subject: "user-1", ClientID: "c", Scopes: []string{"profile"}}
	a, err := iss.Issue(context.Background(), g)
	require.NoError(t, err)
	b, err := iss.Issue(context.Background(), g)
	require.NoError(t, err)

	require.NotEqual(t, a.RefreshToken, b.RefreshToken)
	ca, err := codec.Decode(a.AccessToken)
	require.NoError(t, err)
	cb, err := codec.Decode(b.AccessToken)
	require.NoError(t, err)
	require.NotEqual(t, ca.TokenID, cb.TokenID)
}
