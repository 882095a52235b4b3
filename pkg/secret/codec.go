// Package secret protects provider credentials at rest and for display.
//
// A Codec seals credentials with AES-256-GCM under a key derived from a
// host-provided master key, masks them for rendering, and fingerprints them so
// two stored credentials can be compared without decrypting either.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	refPrefix = "cf1"

	// MinMasterKeyLen is the minimum accepted master key length in bytes.
	MinMasterKeyLen = 16
)

// ErrMasterKeyTooShort is returned by NewCodec for weak master keys.
var ErrMasterKeyTooShort = fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLen)

// Codec seals, opens, masks and fingerprints secrets.
type Codec struct {
	aead   cipher.AEAD
	macKey []byte
	kid    string
}

// NewCodec derives sealing and fingerprint keys from masterKey.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrMasterKeyTooShort
	}

	encKey, err := derive(masterKey, "contentflow/seal")
	if err != nil {
		return nil, err
	}
	macKey, err := derive(masterKey, "contentflow/identity")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	m := hmac.New(sha256.New, macKey)
	m.Write([]byte("kid"))
	kid := hex.EncodeToString(m.Sum(nil))[:8]

	return &Codec{aead: aead, macKey: macKey, kid: kid}, nil
}

func derive(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// KeyID identifies the master key this codec seals under.
func (c *Codec) KeyID() string {
	return c.kid
}

// Seal encrypts plaintext into an opaque reference. An empty secret seals to "".
func (c *Codec) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(c.kid))
	return refPrefix + "." + c.kid + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a reference produced by Seal. An empty reference opens to "".
func (c *Codec) Open(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	parts := strings.Split(ref, ".")
	if len(parts) != 3 || parts[0] != refPrefix {
		return "", &DecryptionError{Reason: "malformed reference"}
	}
	if parts[1] != c.kid {
		return "", &DecryptionError{Reason: "sealed under key " + parts[1], Rotated: true}
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Reason: "malformed payload", Err: err}
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", &DecryptionError{Reason: "truncated payload"}
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(c.kid))
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}

// Identity returns a keyed fingerprint of secret, or "" for an unset secret.
func (c *Codec) Identity(secret string) string {
	if secret == "" {
		return ""
	}
	m := hmac.New(sha256.New, c.macKey)
	m.Write([]byte(secret))
	return hex.EncodeToString(m.Sum(nil))[:16]
}

// Mask returns the display form of secret. See Mask.
func (c *Codec) Mask(secret string) string {
	return Mask(secret)
}

// DecryptionError reports a stored credential that cannot be opened.
// It signals configuration corruption and must not be read as "unset".
type DecryptionError struct {
	Reason  string
	Rotated bool
	Err     error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return "decrypt credential: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt credential: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// IsDecryptionError reports whether err wraps a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
