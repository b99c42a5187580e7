package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const keySalt = "codex-pool"

// CryptoError covers tampered ciphertext, key mismatch, and malformed blobs.
type CryptoError struct{ msg string }

func (e *CryptoError) Error() string { return e.msg }

func cryptoErr(format string, args ...any) error {
	return &CryptoError{msg: fmt.Sprintf(format, args...)}
}

// Crypto encrypts OAuth tokens at rest with AES-256-GCM. The key is derived
// once at startup via scrypt from the configured secret. Ciphertext format
// is "{nonce_hex}:{ciphertext_hex}".
type Crypto struct {
	aead cipher.AEAD
}

func NewCrypto(encryptionKey string) (*Crypto, error) {
	key, err := scrypt.Key([]byte(encryptionKey), []byte(keySalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Crypto{aead: aead}, nil
}

func (c *Crypto) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Crypto) Decrypt(encrypted string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", cryptoErr("invalid encrypted format: missing ':'")
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", cryptoErr("decode nonce: %v", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", cryptoErr("invalid nonce length: %d", len(nonce))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", cryptoErr("decode ciphertext: %v", err)
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", cryptoErr("open: %v", err)
	}
	return string(plaintext), nil
}
