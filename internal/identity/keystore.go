package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrMalformedKey       = errors.New("secret is not a valid base64 PKCS#8 RSA private key")
	ErrUnsupportedKeySize = errors.New("RSA modulus size is outside the supported range")
)

const (
	minModulusBits = 2048
	maxModulusBits = 8192
)

// KeyStore owns the account and machine RSA key pairs and the identifiers
// derived from them. Keys are read-only after Load; no method ever exposes
// private key material in a string or log-friendly form.
type KeyStore struct {
	accountKey *rsa.PrivateKey
	machineKey *rsa.PrivateKey
	accountID  string
	machineID  string
}

// Load parses both secrets and derives the identifiers once. An empty
// machineSecret means a single-key install: the machine key is the account
// key. Load never partially succeeds.
func Load(accountSecret, machineSecret string) (*KeyStore, error) {
	accountKey, err := parsePrivateKey(accountSecret)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}

	machineKey := accountKey
	if machineSecret != "" {
		machineKey, err = parsePrivateKey(machineSecret)
		if err != nil {
			return nil, fmt.Errorf("machine key: %w", err)
		}
	}

	return &KeyStore{
		accountKey: accountKey,
		machineKey: machineKey,
		accountID:  DeriveIdentifier(&accountKey.PublicKey),
		machineID:  DeriveIdentifier(&machineKey.PublicKey),
	}, nil
}

func parsePrivateKey(secret string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, ErrMalformedKey
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrMalformedKey
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrMalformedKey
	}
	if err := key.Validate(); err != nil {
		return nil, ErrMalformedKey
	}

	bits := key.N.BitLen()
	if bits < minModulusBits || bits > maxModulusBits {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeySize, bits)
	}

	return key, nil
}

// DeriveIdentifier computes the relay identity for a public key: a URL-safe,
// unpadded base64 encoding of SHA-256 over the big-endian modulus bytes.
// The digest covers the modulus alone. Hashing the encoded SPKI structure
// instead yields an identifier the relay will never associate with this key.
func DeriveIdentifier(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AccountID returns the identifier derived from the account key.
func (ks *KeyStore) AccountID() string { return ks.accountID }

// MachineID returns the identifier derived from the machine key.
func (ks *KeyStore) MachineID() string { return ks.machineID }

// MachinePrivateKey returns the key used to unwrap the session key during
// the connection handshake.
func (ks *KeyStore) MachinePrivateKey() *rsa.PrivateKey { return ks.machineKey }

// PublicKeySPKI returns the machine public key as standard base64 over the
// SPKI DER encoding, the form carried in the relay login message.
func (ks *KeyStore) PublicKeySPKI() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&ks.machineKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// SignLoginPayload signs the login payload with PKCS1v15-SHA256 and returns
// the signature in URL-safe unpadded base64.
func (ks *KeyStore) SignLoginPayload(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, ks.machineKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign login payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}
