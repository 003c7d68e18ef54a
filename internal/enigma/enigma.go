package enigma

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrInvalidKey        = errors.New("key must be 32 bytes")
	ErrInvalidNonce      = errors.New("nonce must be 12 bytes")
	ErrInvalidCiphertext = errors.New("ciphertext is not valid")
)

// Seal encrypts plaintext under key with a fresh random nonce. The nonce is
// returned separately so callers can place it in their own framing.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	rand.Read(nonce)
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts a detached-nonce ciphertext produced by Seal.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305: %w", err)
	}
	return aead, nil
}

// Derive expands key material through HKDF-SHA256.
func Derive(key, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, key, salt, info)
	d := make([]byte, size)
	if _, err := io.ReadFull(r, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Enigma wraps an AEAD for callers that want nonce-prefixed blobs, such as
// the on-disk store.
type Enigma struct {
	aead cipher.AEAD
}

func NewEnigma(secret, salt, info []byte) (*Enigma, error) {
	key, err := Derive(secret, salt, info, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	return &Enigma{aead: aead}, nil
}

func (e *Enigma) Encrypt(plaintext []byte) []byte {
	nonce := make(
		[]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead(),
	)
	rand.Read(nonce)
	return e.aead.Seal(nonce, nonce, plaintext, nil)
}

func (e *Enigma) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %w", err)
	}

	return plaintext, nil
}

// Zero overwrites b with zeros. Use on key material before dropping it.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
