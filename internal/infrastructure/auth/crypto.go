package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// cookieKeySalt is fixed so that cookies encrypted before a restart stay
// readable afterwards. Rotating the secret invalidates stored cookies,
// which is the intended behavior.
var cookieKeySalt = []byte("auction-monitor-cookie-v1")

const pbkdf2Iterations = 4096

// CookieCipher encrypts the upstream session cookie at rest with
// AES-256-GCM. A nil cipher (no secret configured) passes values through.
type CookieCipher struct {
	aead cipher.AEAD
}

// NewCookieCipher derives the encryption key from the configured secret.
// An empty secret returns a pass-through cipher.
func NewCookieCipher(secret string) (*CookieCipher, error) {
	if secret == "" {
		return &CookieCipher{}, nil
	}

	key := pbkdf2.Key([]byte(secret), cookieKeySalt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &CookieCipher{aead: aead}, nil
}

// Enabled reports whether values are actually encrypted.
func (c *CookieCipher) Enabled() bool {
	return c.aead != nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *CookieCipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *CookieCipher) Decrypt(encoded string) (string, error) {
	if !c.Enabled() {
		return encoded, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plaintext), nil
}
