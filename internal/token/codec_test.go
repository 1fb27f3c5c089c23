package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClaims(now time.Time) Claims {
	return Claims{
		Subject:   "user-1",
		ClientID:  "default-client",
		Scopes:    []string{"profile", "email"},
		Issuer:    "https://localhost:5001/",
		Audience:  "identity-api",
		TokenID:   "jti-1",
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: now.Add(time.Hour).Truncate(time.Second),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	want := testClaims(time.Now())
	s, err := c.Encode(want)
	require.NoError(t, err)

	got, err := c.Decode(s)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCodecRoundTripSecret(t *testing.T) {
	c := NewCodec(NewKeyringFromSecret([]byte("test-secret")))

	want := testClaims(time.Now())
	s, err := c.Encode(want)
	require.NoError(t, err)
	got, err := c.Decode(s)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCodecExpiredStillDecodes(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	cl := testClaims(time.Now().Add(-2 * time.Hour))
	s, err := c.Encode(cl)
	require.NoError(t, err)

	// integrity is the codec's job; expiry is the validator's
	got, err := c.Decode(s)
	require.NoError(t, err)
	require.Equal(t, cl.Subject, got.Subject)
}

func TestCodecMalformed(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	_, err = c.Decode("not a token")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestCodecTamperedSignature(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	s, err := c.Encode(testClaims(time.Now()))
	require.NoError(t, err)

	// flip the end of the signature
	tampered := s[:len(s)-4] + "AAAA"
	if tampered == s {
		tampered = s[:len(s)-4] + "BBBB"
	}
	_, err = c.Decode(tampered)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCodecUnknownKey(t *testing.T) {
	ringA, err := NewKeyring()
	require.NoError(t, err)
	ringB, err := NewKeyring()
	require.NoError(t, err)

	s, err := NewCodec(ringA).Encode(testClaims(time.Now()))
	require.NoError(t, err)

	_, err = NewCodec(ringB).Decode(s)
	require.ErrorIs(t, err, ErrKeyUnknown)
}

func TestCodecEmptyScope(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	cl := testClaims(time.Now())
	cl.Scopes = nil
	s, err := c.Encode(cl)
	require.NoError(t, err)

	got, err := c.Decode(s)
	require.NoError(t, err)
	require.Nil(t, got.Scopes)
}

func TestKeyringRotation(t *testing.T) {
	ring, err := NewKeyring()
	require.NoError(t, err)
	c := NewCodec(ring)

	before, err := c.Encode(testClaims(time.Now()))
	require.NoError(t, err)
	oldKey, err := ring.SigningKey()
	require.NoError(t, err)

	newKey, err := ring.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, oldKey.ID, newKey.ID)

	// tokens signed before rotation still verify
	_, err = c.Decode(before)
	require.NoError(t, err)

	// new tokens are signed by the new key
	after, err := c.Encode(testClaims(time.Now()))
	require.NoError(t, err)
	_, err = c.Decode(after)
	require.NoError(t, err)

	// evicting keys retired before a future cutoff drops the old key
	n := ring.Evict(time.Now().Add(time.Minute))
	require.Equal(t, 1, n)
	_, err = c.Decode(before)
	require.ErrorIs(t, err, ErrKeyUnknown)
	_, err = c.Decode(after)
	require.NoError(t, err)
}

func TestKeyringStaticSecretCannotRotate(t *testing.T) {
	ring := NewKeyringFromSecret([]byte("secret"))
	_, err := ring.Rotate()
	require.ErrorIs(t, err, ErrStaticSecret)
}
