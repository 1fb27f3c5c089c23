// Package credential verifies user passwords against stored bcrypt
// hashes. It is the single source of truth for "do these credentials
// belong to a user", and it is deliberately uninformative about why a
// verification failed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for unknown users, disabled users and
// wrong passwords alike. The three cases must stay indistinguishable to
// the caller to prevent user enumeration.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is a bcrypt hash of a random string nobody knows. When the
// user does not exist we still run a compare against it so the timing of
// the unknown-user path matches the wrong-password path.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Account is the slice of a user record this package needs.
type Account struct {
	ID           string
	PasswordHash string
	Disabled     bool
}

// AccountSource looks up accounts by email. Returns (nil, nil) when no
// account matches; errors are reserved for the store being unreachable.
type AccountSource interface {
	AccountByEmail(ctx context.Context, email string) (*Account, error)
}

// Verifier checks passwords. OnFailure, when set, is invoked with the
// attempted email after every failed verification so a lockout policy
// can count attempts; it must not block.
type Verifier struct {
	Accounts  AccountSource
	OnFailure func(email string)
}

// Verify returns the user id on success. Email matching is
// case-insensitive.
func (v *Verifier) Verify(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	acct, err := v.Accounts.AccountByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("looking up account: %w", err)
	}
	if acct == nil || acct.Disabled {
		// burn the same work as a real compare
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		v.fail(email)
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		v.fail(email)
		return "", ErrInvalidCredentials
	}
	return acct.ID, nil
}

func (v *Verifier) fail(email string) {
	if v.OnFailure != nil {
		v.OnFailure(email)
	}
}

// HashPassword produces the stored form of a password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
