// Package fieldcipher encrypts short text values, such as submitted form
// fields, before they are persisted.
//
// Payloads are base64(nonce ‖ ciphertext ‖ tag) produced by an authenticated
// cipher with a 12-byte nonce and a 16-byte tag. Decryption either returns the
// exact original plaintext or fails; corrupted or truncated payloads are
// rejected with ErrDecryption.
//
// The key is derived from a configured secret when the Cipher is created.
// Changing the secret (or the algorithm) makes every value encrypted before
// the change unrecoverable.
package fieldcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the number of random bytes prefixed to every payload.
const NonceSize = 12

var (
	// ErrInvalidInput is returned for an empty secret or an empty payload.
	ErrInvalidInput = errors.New("fieldcipher: invalid input")

	// ErrDecryption is returned when a payload is malformed, truncated, or
	// fails authentication. The field must be treated as unreadable.
	ErrDecryption = errors.New("fieldcipher: decryption failed")

	// ErrCryptoUnavailable is returned when the cipher or the random source
	// cannot be used. Values are never stored in plaintext as a fallback.
	ErrCryptoUnavailable = errors.New("fieldcipher: crypto unavailable")
)

// Algorithm selects the AEAD construction.
type Algorithm int

const (
	// AES256GCM is AES-256 in Galois/Counter Mode (default).
	AES256GCM Algorithm = iota

	// ChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction.
	ChaCha20Poly1305
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AES256GCM:
		return "aes-256-gcm"
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "aes-256-gcm":
		return AES256GCM, nil
	case "chacha20-poly1305":
		return ChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("fieldcipher: unknown algorithm %q", name)
	}
}

// Cipher encrypts and decrypts field values under one derived key.
// It is immutable after New and safe for concurrent use.
type Cipher struct {
	aead      cipher.AEAD
	algorithm Algorithm
	random    io.Reader
}

type options struct {
	algorithm Algorithm
	random    io.Reader
}

// Option configures a Cipher.
type Option func(*options)

// WithAlgorithm selects the AEAD (default: AES256GCM).
func WithAlgorithm(a Algorithm) Option {
	return func(o *options) {
		o.algorithm = a
	}
}

// WithRandom replaces crypto/rand.Reader as the nonce source.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		o.random = r
	}
}

// New derives the key from secret and prepares the AEAD.
func New(secret string, opts ...Option) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidInput)
	}

	o := options{algorithm: AES256GCM, random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}

	aead, err := newAEAD(o.algorithm, deriveKey(secret))
	if err != nil {
		return nil, err
	}

	return &Cipher{
		aead:      aead,
		algorithm: o.algorithm,
		random:    o.random,
	}, nil
}

func newAEAD(a Algorithm, key []byte) (cipher.AEAD, error) {
	switch a {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		return gcm, nil
	case ChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrCryptoUnavailable, a)
	}
}

// Algorithm reports the configured AEAD.
func (c *Cipher) Algorithm() Algorithm {
	return c.algorithm
}

// EncryptField encrypts plaintext under a fresh random nonce and returns the
// base64 payload. The empty string is a valid plaintext.
func (c *Cipher) EncryptField(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCryptoUnavailable, err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses EncryptField.
func (c *Cipher) DecryptField(payload string) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("%w: payload is empty", ErrInvalidInput)
	}

	// Strict decoding plus the newline check makes the encoding canonical:
	// the lenient decoder skips CR/LF and ignores trailing padding bits.
	if strings.ContainsAny(payload, "\r\n") {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}
	if len(raw) < NonceSize {
		return "", fmt.Errorf("%w: payload too short", ErrDecryption)
	}

	nonce, sealed := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}
