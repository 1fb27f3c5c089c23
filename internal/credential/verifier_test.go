package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type mapSource map[string]*Account

func (m mapSource) AccountByEmail(_ context.Context, email string) (*Account, error) {
	return m[email], nil
}

func TestVerify(t *testing.T) {
	hash, err := HashPassword("Passw0rd!")
	require.NoError(t, err)

	src := mapSource{
		"alice@example.com": {ID: "user-alice", PasswordHash: hash},
		"bob@example.com":   {ID: "user-bob", PasswordHash: hash, Disabled: true},
	}
	v := &Verifier{Accounts: src}
	ctx := context.Background()

	id, err := v.Verify(ctx, "alice@example.com", "Passw0rd!")
	require.NoError(t, err)
	require.Equal(t, "user-alice", id)

	// email matching is case-insensitive
	id, err = v.Verify(ctx, "  Alice@Example.COM ", "Passw0rd!")
	require.NoError(t, err)
	require.Equal(t, "user-alice", id)

	_, err = v.Verify(ctx, "alice@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// unknown user and disabled user fail with the same error as a bad password
	_, err = v.Verify(ctx, "nobody@example.com", "Passw0rd!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = v.Verify(ctx, "bob@example.com", "Passw0rd!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyReportsFailures(t *testing.T) {
	hash, err := HashPassword("Passw0rd!")
	require.NoError(t, err)
	src := mapSource{"alice@example.com": {ID: "user-alice", PasswordHash: hash}}

	var failed []string
	v := &Verifier{Accounts: src, OnFailure: func(email string) { failed = append(failed, email) }}
	ctx := context.Background()

	_, _ = v.Verify(ctx, "alice@example.com", "wrong")
	_, _ = v.Verify(ctx, "nobody@example.com", "x")
	_, err = v.Verify(ctx, "alice@example.com", "Passw0rd!")
	require.NoError(t, err)

	require.Equal(t, []string{"alice@example.com", "nobody@example.com"}, failed)
}
