// Package sealer encrypts individual record fields for stores that have no
// native column encryption, and derives keyed hashes used as reverse-lookup
// index values so that lookups never require decrypting every row.
package sealer

import (
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

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinKeySize is the minimum master key length in bytes.
const MinKeySize = 32

var (
	// ErrKeyTooShort is returned when the master key is shorter than MinKeySize.
	ErrKeyTooShort = errors.New("sealer: key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("sealer: invalid ciphertext")
)

const (
	infoSeal  = "billsync/seal/v1"
	infoIndex = "billsync/index/v1"
)

// Sealer seals and opens field values with XChaCha20-Poly1305. The field
// name is bound as additional data, so a value sealed for one field cannot
// be replayed into another.
type Sealer struct {
	aead     cipher.AEAD
	indexKey []byte
	master   []byte
}

// New derives the sealing and index keys from master.
func New(master []byte) (*Sealer, error) {
	if len(master) < MinKeySize {
		return nil, ErrKeyTooShort
	}
	sealKey, err := derive(master, infoSeal, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}
	indexKey, err := derive(master, infoIndex, 32)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, indexKey: indexKey, master: append([]byte(nil), master...)}, nil
}

// NewFromString accepts a base64 (standard or URL alphabet) encoded key, or
// a raw string of at least MinKeySize bytes.
func NewFromString(key string) (*Sealer, error) {
	key = strings.TrimSpace(key)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(key); err == nil && len(b) >= MinKeySize {
			return New(b)
		}
	}
	return New([]byte(key))
}

func derive(master []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("sealer: derive %s: %w", info, err)
	}
	return out, nil
}

// Seal encrypts plaintext for field and returns nonce||ciphertext.
func (s *Sealer) Seal(field string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(field)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(field string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SealString seals value as URL-safe base64. The empty string stays empty.
func (s *Sealer) SealString(field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	sealed, err := s.Seal(field, []byte(value))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(field, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := s.Open(field, raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Index returns a deterministic keyed hash of value, namespaced by kind.
// Equal inputs give equal outputs; the value cannot be recovered from it.
func (s *Sealer) Index(kind, value string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Passphrase derives a hex secret for purpose, for stores that encrypt
// columns themselves (for example pgcrypto).
func (s *Sealer) Passphrase(purpose string) string {
	key, err := derive(s.master, "billsync/passphrase/"+purpose, 32)
	if err != nil {
		// hkdf can only fail when asked for more than 255 blocks.
		panic(err)
	}
	return hex.EncodeToString(key)
}
