// Package exchange implements X25519 key agreement over raw 32-byte keys.
package exchange

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/dh/x25519"
)

const KeySize = x25519.Size

var (
	ErrInvalidKey    = errors.New("invalid public key")
	ErrLowOrderPoint = errors.New("peer public key is a low-order point")
)

// KeyPair holds an X25519 keypair. The secret half never leaves the process.
type KeyPair struct {
	public x25519.Key
	secret x25519.Key
}

func NewKeyPair() (*KeyPair, error) {
	kp := new(KeyPair)
	if _, err := rand.Read(kp.secret[:]); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

// Restore reconstructs a keypair from a stored 32-byte secret.
func Restore(secret []byte) (*KeyPair, error) {
	if len(secret) != KeySize {
		return nil, ErrInvalidKey
	}
	kp := new(KeyPair)
	copy(kp.secret[:], secret)
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

// Public returns a copy of the raw public key.
func (kp *KeyPair) Public() [KeySize]byte {
	return kp.public
}

// PublicBytes returns the public key as a fresh slice.
func (kp *KeyPair) PublicBytes() []byte {
	out := make([]byte, KeySize)
	copy(out, kp.public[:])
	return out
}

// SecretBytes returns the secret key as a fresh slice, for persistence only.
func (kp *KeyPair) SecretBytes() []byte {
	out := make([]byte, KeySize)
	copy(out, kp.secret[:])
	return out
}

// Shared computes the X25519 shared secret with the remote public key.
func (kp *KeyPair) Shared(remote []byte) ([]byte, error) {
	if len(remote) != KeySize {
		return nil, ErrInvalidKey
	}
	var peer, shared x25519.Key
	copy(peer[:], remote)
	if ok := x25519.Shared(&shared, &kp.secret, &peer); !ok {
		return nil, ErrLowOrderPoint
	}
	return shared[:], nil
}

// Zeroize wipes the secret half.
func (kp *KeyPair) Zeroize() {
	for i := range kp.secret {
		kp.secret[i] = 0
	}
}
