package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultAlgorithm for generated keys. ES256 gives RSA-3072-equivalent
// security with much smaller signatures.
const DefaultAlgorithm = "ES256"

var (
	// ErrNoSigningKey means the keyring holds no active signing key.
	ErrNoSigningKey = errors.New("no active signing key")
	// ErrStaticSecret means rotation was requested on a shared-secret keyring.
	ErrStaticSecret = errors.New("static secret keyring cannot rotate")
)

// Key is one signing/verification key with its metadata.
type Key struct {
	ID        string
	Algorithm string
	CreatedAt time.Time
	// RetiredAt is zero while the key is the active signer.
	RetiredAt time.Time

	private any // *ecdsa.PrivateKey, or []byte for HS256
	public  any // *ecdsa.PublicKey, or the same []byte for HS256
}

// SignKey returns the material golang-jwt expects for signing.
func (k *Key) SignKey() any { return k.private }

// VerifyKey returns the material golang-jwt expects for verification.
func (k *Key) VerifyKey() any { return k.public }

// Keyring holds exactly one active signing key and an append-only set of
// verification keys. Rotation retires the current signer but keeps it
// verifying until everything it signed has expired.
type Keyring struct {
	mu      sync.RWMutex
	signing *Key
	keys    map[string]*Key
}

// NewKeyring creates a keyring with a freshly generated ephemeral ES256
// key. Suitable for development; generated keys are lost on restart,
// invalidating all issued tokens.
func NewKeyring() (*Keyring, error) {
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	return &Keyring{signing: k, keys: map[string]*Key{k.ID: k}}, nil
}

// NewKeyringFromSecret creates a single-key HS256 keyring from a shared
// secret. Kept for deployments that configure JWT_SECRET; such keyrings
// cannot rotate.
func NewKeyringFromSecret(secret []byte) *Keyring {
	k := &Key{
		ID:        keyID(secret),
		Algorithm: "HS256",
		CreatedAt: time.Now(),
		private:   secret,
		public:    secret,
	}
	return &Keyring{signing: k, keys: map[string]*Key{k.ID: k}}
}

// LoadKeyring loads EC private keys from PEM files in dir. signingFile
// becomes the active signer; fallbackFiles are verification-only, kept
// around so tokens signed before a rotation still verify.
func LoadKeyring(dir, signingFile string, fallbackFiles []string) (*Keyring, error) {
	if signingFile == "" {
		return nil, errors.New("signing key file is required")
	}
	signing, err := loadKeyFromFile(filepath.Join(dir, signingFile))
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	keys := map[string]*Key{signing.ID: signing}
	for _, name := range fallbackFiles {
		k, err := loadKeyFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading fallback key %s: %w", name, err)
		}
		k.RetiredAt = k.CreatedAt
		keys[k.ID] = k
	}
	return &Keyring{signing: signing, keys: keys}, nil
}

// SigningKey returns the active signing key.
func (r *Keyring) SigningKey() (*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.signing == nil {
		return nil, ErrNoSigningKey
	}
	return r.signing, nil
}

// VerificationKey returns the key for a token's kid header.
func (r *Keyring) VerificationKey(id string) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// Rotate generates a new ES256 signing key and retires the current one.
// The retired key stays in the verification set.
func (r *Keyring) Rotate() (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signing != nil && r.signing.Algorithm == "HS256" {
		return nil, ErrStaticSecret
	}
	k, err := generateKey()
	if err != nil {
		return nil, err
	}
	if r.signing != nil {
		r.signing.RetiredAt = time.Now()
	}
	r.signing = k
	r.keys[k.ID] = k
	return k, nil
}

// Evict drops retired keys that were retired before the cutoff. The
// cutoff should trail now by at least the maximum access-token lifetime
// so no live token loses its verification key.
func (r *Keyring) Evict(retiredBefore time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, k := range r.keys {
		if !k.RetiredAt.IsZero() && k.RetiredAt.Before(retiredBefore) {
			delete(r.keys, id)
			n++
		}
	}
	return n
}

func generateKey() (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	id, err := publicKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:        id,
		Algorithm: DefaultAlgorithm,
		CreatedAt: time.Now(),
		private:   priv,
		public:    &priv.PublicKey,
	}, nil
}

func loadKeyFromFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ec, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an EC key", path)
		}
		priv = ec
	default:
		return nil, fmt.Errorf("%s: unsupported PEM type %q", path, block.Type)
	}
	id, err := publicKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{
		ID:        id,
		Algorithm: DefaultAlgorithm,
		CreatedAt: time.Now(),
		private:   priv,
		public:    &priv.PublicKey,
	}, nil
}

// publicKeyID derives a stable key id from the public key material, so
// the same key file always yields the same kid across restarts.
func publicKeyID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("deriving key id: %w", err)
	}
	return keyID(der), nil
}

func keyID(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:8])
}
