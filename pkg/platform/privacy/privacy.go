// Package privacy protects sensitive account data at rest: reversible field
// encryption for values the platform must read back (payout account numbers)
// and keyed hashes for lookups that must not reveal the value.
package privacy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey        = errors.New("privacy: key must be 32 bytes")
	ErrMalformedCipher   = errors.New("privacy: malformed ciphertext")
	ErrDecryptionFailure = errors.New("privacy: decryption failed")
)

// Protector encrypts with XChaCha20-Poly1305 and hashes with HMAC-SHA256.
type Protector struct {
	encKey  []byte
	hashKey []byte
}

// New builds a Protector. Both keys must be 32 bytes.
func New(encryptionKey, hashKey []byte) (*Protector, error) {
	if len(encryptionKey) != chacha20poly1305.KeySize || len(hashKey) < 32 {
		return nil, ErrInvalidKey
	}
	return &Protector{
		encKey:  append([]byte(nil), encryptionKey...),
		hashKey: append([]byte(nil), hashKey...),
	}, nil
}

// DecodeKey accepts a hex or standard base64 encoded 32-byte key.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext, binding it to associated (e.g. the escrow id) so a
// ciphertext cannot be moved to another record. Output is base64(nonce||sealed).
func (p *Protector) Encrypt(plaintext, associated string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return "", fmt.Errorf("privacy: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("privacy: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(associated))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (p *Protector) Decrypt(ciphertext, associated string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformedCipher
	}
	aead, err := chacha20poly1305.NewX(p.encKey)
	if err != nil {
		return "", fmt.Errorf("privacy: init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedCipher
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(associated))
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}

// Hash returns a hex HMAC-SHA256 of the normalized value for equality lookups.
func (p *Protector) Hash(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, p.hashKey)
	mac.Write([]byte(Normalize(value)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Normalize strips whitespace and dashes so "1234-5678 90" and "1234567890"
// hash alike.
func Normalize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r == ' ' || r == '-' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Mask keeps the last four characters of an account number for display.
func Mask(value string) string {
	n := Normalize(value)
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
