package whisper

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"github.com/Bentlybro/whisper/internal/enigma"
	"github.com/Bentlybro/whisper/pkg/exchange"
	"github.com/Bentlybro/whisper/pkg/fingerprint"
)

var (
	ErrWrongPassword   = errors.New("wrong password for identity file")
	ErrInvalidIdentity = errors.New("invalid identity file")
)

// Identity is the user's long-lived X25519 keypair. The public half is the
// durable identifier; the secret half never leaves the device.
type Identity struct {
	keys *exchange.KeyPair
}

func NewIdentity() (*Identity, error) {
	keys, err := exchange.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	return &Identity{keys: keys}, nil
}

// PublicKey returns the raw 32-byte identity public key.
func (id *Identity) PublicKey() []byte {
	return id.keys.PublicBytes()
}

// PublicKeyB64 is the display form of the identity.
func (id *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey())
}

// SharedSecret runs X25519 with the peer's identity key and hashes the
// result through BLAKE3 into the ratchet's initial shared secret.
func (id *Identity) SharedSecret(peerPublic []byte) ([]byte, error) {
	raw, err := id.keys.Shared(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key exchange: %w", err)
	}
	sum := blake3.Sum256(raw)
	enigma.Zero(raw)
	return sum[:], nil
}

// SafetyNumber derives the mutual fingerprint for out-of-band verification.
func (id *Identity) SafetyNumber(peerPublic []byte) fingerprint.SafetyNumber {
	return fingerprint.Compute(id.PublicKey(), peerPublic)
}

// identityRecord is the serialized on-disk form.
type identityRecord struct {
	Secret []byte `msgpack:"secret"`
	Public []byte `msgpack:"public"`
}

// passwordKey is the identity-file key derivation: the full BLAKE3 digest of
// the password bytes. Not a slow KDF; acceptable for moderate-entropy
// passwords on trusted devices.
func passwordKey(password []byte) []byte {
	sum := blake3.Sum256(password)
	return sum[:]
}

// Save writes the identity encrypted under the password-derived key.
// File layout: 12-byte nonce followed by the ciphertext.
func (id *Identity) Save(path string, password []byte) error {
	record, err := msgpack.Marshal(identityRecord{
		Secret: id.keys.SecretBytes(),
		Public: id.PublicKey(),
	})
	if err != nil {
		return fmt.Errorf("marshalling identity: %w", err)
	}
	key := passwordKey(password)
	nonce, ct, err := enigma.Seal(key, record)
	enigma.Zero(key)
	enigma.Zero(record)
	if err != nil {
		return fmt.Errorf("sealing identity: %w", err)
	}

	blob := make([]byte, 0, len(nonce)+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads and decrypts an identity file. A wrong password is
// fatal and surfaced as ErrWrongPassword.
func LoadIdentity(path string, password []byte) (*Identity, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	if len(blob) <= enigma.NonceSize {
		return nil, ErrInvalidIdentity
	}

	key := passwordKey(password)
	record, err := enigma.Open(key, blob[:enigma.NonceSize], blob[enigma.NonceSize:])
	enigma.Zero(key)
	if err != nil {
		return nil, ErrWrongPassword
	}

	var rec identityRecord
	if err := msgpack.Unmarshal(record, &rec); err != nil {
		enigma.Zero(record)
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	// rec.Secret may alias the decoded buffer, so restore before wiping.
	keys, err := exchange.Restore(rec.Secret)
	enigma.Zero(rec.Secret)
	enigma.Zero(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return &Identity{keys: keys}, nil
}

// Zeroize wipes the secret half.
func (id *Identity) Zeroize() {
	id.keys.Zeroize()
}
