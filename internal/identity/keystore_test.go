package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSecret(t *testing.T, bits int) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(der), key
}

func TestLoad(t *testing.T) {
	secret, key := generateSecret(t, 2048)

	ks, err := Load(secret, "")
	require.NoError(t, err)

	assert.Equal(t, DeriveIdentifier(&key.PublicKey), ks.AccountID())
	// Single-key install: machine identity falls back to the account key.
	assert.Equal(t, ks.AccountID(), ks.MachineID())
}

func TestLoadSeparateMachineKey(t *testing.T) {
	accountSecret, _ := generateSecret(t, 2048)
	machineSecret, machineKey := generateSecret(t, 2048)

	ks, err := Load(accountSecret, machineSecret)
	require.NoError(t, err)

	assert.NotEqual(t, ks.AccountID(), ks.MachineID())
	assert.Equal(t, DeriveIdentifier(&machineKey.PublicKey), ks.MachineID())
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load("not base64!!", "")
	assert.ErrorIs(t, err, ErrMalformedKey)

	garbage := base64.StdEncoding.EncodeToString([]byte("not a private key"))
	_, err = Load(garbage, "")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestLoadUnsupportedSize(t *testing.T) {
	secret, _ := generateSecret(t, 1024)

	_, err := Load(secret, "")
	assert.ErrorIs(t, err, ErrUnsupportedKeySize)
}

func TestLoadBadMachineKeyFailsWhole(t *testing.T) {
	accountSecret, _ := generateSecret(t, 2048)

	_, err := Load(accountSecret, "broken")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestDeriveIdentifierDeterministic(t *testing.T) {
	_, key := generateSecret(t, 2048)

	first := DeriveIdentifier(&key.PublicKey)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DeriveIdentifier(&key.PublicKey))
	}
}

func TestDeriveIdentifierEncoding(t *testing.T) {
	_, key := generateSecret(t, 2048)

	id := DeriveIdentifier(&key.PublicKey)
	// base64url without padding over a SHA-256 digest.
	assert.Len(t, id, 43)
	assert.False(t, strings.ContainsAny(id, "+/="))
}

// The identifier must digest the modulus bytes alone. Digesting the encoded
// SPKI structure, which also carries algorithm identifiers and the
// exponent, yields a different value the relay cannot correlate.
func TestDeriveIdentifierCoversModulusNotSPKI(t *testing.T) {
	_, key := generateSecret(t, 2048)

	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	spkiSum := sha256.Sum256(spki)
	spkiID := base64.RawURLEncoding.EncodeToString(spkiSum[:])

	assert.NotEqual(t, spkiID, DeriveIdentifier(&key.PublicKey))

	modSum := sha256.Sum256(key.PublicKey.N.Bytes())
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(modSum[:]), DeriveIdentifier(&key.PublicKey))
}

func TestSignLoginPayload(t *testing.T) {
	secret, key := generateSecret(t, 2048)

	ks, err := Load(secret, "")
	require.NoError(t, err)

	payload := []byte(`{"time":"2026-01-02T03:04:05.000Z","session":"abc"}`)
	sig, err := ks.SignLoginPayload(payload)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(sig)
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], raw))
}

func TestPublicKeySPKI(t *testing.T) {
	secret, key := generateSecret(t, 2048)

	ks, err := Load(secret, "")
	require.NoError(t, err)

	encoded, err := ks.PublicKeySPKI()
	require.NoError(t, err)

	der, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	parsed, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))
}
