package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed means the string is not a parseable token.
	ErrMalformed = errors.New("malformed token")
	// ErrSignatureInvalid means the token parsed but its signature does
	// not verify against the key named in its header.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrKeyUnknown means the token names a kid this keyring does not hold.
	ErrKeyUnknown = errors.New("unknown signing key")
)

// Codec encodes claims into signed token strings and back. Decode proves
// integrity only: an expired token still decodes, because deciding
// current validity is the Validator's job.
type Codec struct {
	Keys *Keyring
}

// NewCodec wraps a keyring.
func NewCodec(keys *Keyring) *Codec {
	return &Codec{Keys: keys}
}

// Encode signs the claims with the active signing key and embeds its kid
// in the token header.
func (c *Codec) Encode(cl Claims) (string, error) {
	key, err := c.Keys.SigningKey()
	if err != nil {
		return "", err
	}
	w := wireClaims{
		ClientID: cl.ClientID,
		Scope:    strings.Join(cl.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cl.Subject,
			Issuer:    cl.Issuer,
			ID:        cl.TokenID,
			IssuedAt:  jwt.NewNumericDate(cl.IssuedAt.Truncate(time.Second)),
			ExpiresAt: jwt.NewNumericDate(cl.ExpiresAt.Truncate(time.Second)),
		},
	}
	if cl.Audience != "" {
		w.Audience = jwt.ClaimStrings{cl.Audience}
	}
	tok := jwt.NewWithClaims(jwt.GetSigningMethod(key.Algorithm), w)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.SignKey())
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the claims. Expiry is not
// checked here.
func (c *Codec) Decode(tokenString string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"ES256", "HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	var w wireClaims
	_, err := parser.ParseWithClaims(tokenString, &w, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := c.Keys.VerificationKey(kid)
		if !ok {
			return nil, ErrKeyUnknown
		}
		return key.VerifyKey(), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyUnknown):
			return Claims{}, ErrKeyUnknown
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrSignatureInvalid
		default:
			return Claims{}, ErrMalformed
		}
	}

	cl := Claims{
		Subject:  w.Subject,
		ClientID: w.ClientID,
		Issuer:   w.Issuer,
		TokenID:  w.ID,
	}
	if w.Scope != "" {
		cl.Scopes = strings.Split(w.Scope, " ")
	}
	if len(w.Audience) > 0 {
		cl.Audience = w.Audience[0]
	}
	if w.IssuedAt != nil {
		cl.IssuedAt = w.IssuedAt.Time
	}
	if w.ExpiresAt != nil {
		cl.ExpiresAt = w.ExpiresAt.Time
	}
	return cl, nil
}
