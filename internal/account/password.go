package account

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
)

// DerivePassword converts an email/passphrase pair into the credential the
// account API expects: salt = SHA-256 of the lowercased email, key =
// PBKDF2-HMAC-SHA256(passphrase, salt), result = standard base64 of
// SHA-256(key). The passphrase itself never leaves the process.
func DerivePassword(email, passphrase string) string {
	salt := sha256.Sum256([]byte(strings.ToLower(email)))
	key := pbkdf2.Key([]byte(passphrase), salt[:], pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	sum := sha256.Sum256(key)
	return base64.StdEncoding.EncodeToString(sum[:])
}
