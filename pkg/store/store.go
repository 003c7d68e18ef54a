// Package store is a passphrase-protected bbolt wrapper. A random data
// encryption key is wrapped by a key derived from the passphrase, so the
// passphrase can change without re-encrypting the records.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Bentlybro/whisper/internal/enigma"
)

const DefaultBucket = "whisper"

const (
	authBucket = "auth"

	kek = "key-encryption-key"
	dek = "data-encryption-key"
	dpk = "derived-passphrase-key"

	wrappedSaltKey = "wrapped-salt"
	wrappedKey     = "wrapped-key"
	deriveSaltKey  = "derive-salt"
	secretSaltKey  = "secret-salt"
)

var (
	ErrMissingBucket    = errors.New("bucket not found")
	ErrMissingItem      = errors.New("item not found")
	ErrFailedDecryption = errors.New("decryption failed")
)

type Store struct {
	db     *bolt.DB
	cipher *enigma.Enigma
}

func New(passphrase []byte, path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(authBucket)); err != nil {
			return fmt.Errorf("creating auth bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(DefaultBucket)); err != nil {
			return fmt.Errorf("creating default bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("preparing buckets: %w", err)
	}

	cipher, err := open(passphrase, db)
	if errors.Is(err, ErrMissingItem) {
		cipher, err = create(passphrase, db)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cipher: %w", err)
	}

	return &Store{db: db, cipher: cipher}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func open(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	var secretSalt, deriveSalt, wrappedSalt, wrapped []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		wrapped = bucket.Get([]byte(wrappedKey))
		deriveSalt = bucket.Get([]byte(deriveSaltKey))
		wrappedSalt = bucket.Get([]byte(wrappedSaltKey))
		secretSalt = bucket.Get([]byte(secretSaltKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get values: %w", err)
	}
	if secretSalt == nil || deriveSalt == nil || wrappedSalt == nil || wrapped == nil {
		return nil, ErrMissingItem
	}
	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from pass: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	secret, err := keyCipher.Decrypt(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping secret", ErrFailedDecryption)
	}
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("data cipher: %w", err)
	}
	return dataCipher, nil
}

func create(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	secret, secretSalt := randomBytes(32), randomBytes(32)
	deriveSalt, wrappedSalt := randomBytes(32), randomBytes(32)

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from pass: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	wrapped := keyCipher.Encrypt(secret)
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("data cipher: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		for key, value := range map[string][]byte{
			wrappedKey:     wrapped,
			wrappedSaltKey: wrappedSalt,
			deriveSaltKey:  deriveSalt,
			secretSaltKey:  secretSalt,
		} {
			if err := bucket.Put([]byte(key), value); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update db: %w", err)
	}

	return dataCipher, nil
}

func randomBytes(n int) []byte {
	src := make([]byte, n)
	rand.Read(src)
	return src
}
