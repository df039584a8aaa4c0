package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	ErrInvalidLength        = errors.New("ciphertext length is not a multiple of the block size")
	ErrBadPadding           = errors.New("invalid PKCS#7 padding")
	ErrHandshakeDecrypt     = errors.New("session key payload could not be decrypted")
	ErrHandshakePayloadSize = errors.New("session key payload has unexpected length")
)

const (
	sessionKeySize = 32
	sessionIVSize  = 16

	// HandshakePayloadSize is the exact plaintext length of the handshake
	// payload: 32 key bytes followed by 16 IV bytes.
	HandshakePayloadSize = sessionKeySize + sessionIVSize
)

// SessionKey is the symmetric key and IV bootstrapped once per connection.
// It is scoped to a single connection attempt and never persisted.
type SessionKey struct {
	Key [sessionKeySize]byte
	IV  [sessionIVSize]byte
}

// DecryptHandshakePayload unwraps the session key from the handshake
// message using RSA-OAEP with SHA-256. Any plaintext that is not exactly
// key||iv is a protocol violation, not a crash.
func DecryptHandshakePayload(ciphertext []byte, priv *rsa.PrivateKey) (SessionKey, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return SessionKey{}, ErrHandshakeDecrypt
	}
	if len(plaintext) != HandshakePayloadSize {
		return SessionKey{}, fmt.Errorf("%w: %d bytes", ErrHandshakePayloadSize, len(plaintext))
	}

	var sk SessionKey
	copy(sk.Key[:], plaintext[:sessionKeySize])
	copy(sk.IV[:], plaintext[sessionKeySize:])
	return sk, nil
}

// Encrypt applies AES-256-CBC with PKCS#7 padding. The iv defaults to the
// session IV when nil. Stateless and safe for concurrent use.
func Encrypt(plaintext []byte, sk SessionKey, iv []byte) ([]byte, error) {
	if iv == nil {
		iv = sk.IV[:]
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrInvalidLength, len(iv))
	}

	block, err := aes.NewCipher(sk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. Malformed input yields ErrInvalidLength or
// ErrBadPadding; it never panics.
func Decrypt(ciphertext []byte, sk SessionKey, iv []byte) ([]byte, error) {
	if iv == nil {
		iv = sk.IV[:]
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrInvalidLength, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(ciphertext))
	}

	block, err := aes.NewCipher(sk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
