package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Command provides read-write access inside an update transaction.
type Command struct {
	Query
}

// Command runs fn inside a read-write transaction.
func (s *Store) Command(fn func(Command) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(Command{Query{tx: tx, store: s}})
	})
}

func (c Command) AddPlain(bucket, key, value []byte) error {
	if len(bucket) == 0 {
		bucket = []byte(DefaultBucket)
	}
	b, err := c.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return b.Put(key, value)
}

func (c Command) AddEncrypted(bucket, key, value []byte) error {
	return c.AddPlain(bucket, key, c.store.cipher.Encrypt(value))
}

func (c Command) Delete(bucket, key []byte) error {
	if len(bucket) == 0 {
		bucket = []byte(DefaultBucket)
	}
	b := c.tx.Bucket(bucket)
	if b == nil {
		return ErrMissingBucket
	}
	return b.Delete(key)
}
