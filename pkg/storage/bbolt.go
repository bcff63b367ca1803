package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BboltBackend implements Backend using bbolt
type BboltBackend struct {
	db   *bolt.DB
	path string
}

// NewBboltBackend opens (or creates) a bbolt database at dbPath.
func NewBboltBackend(dbPath string) (*BboltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	return &BboltBackend{db: db, path: dbPath}, nil
}

// Path returns the database file location
func (b *BboltBackend) Path() string { return b.path }

// CreateBucket creates a bucket; creating an existing bucket is a no-op
func (b *BboltBackend) CreateBucket(name []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
}

// DeleteBucket deletes a bucket; deleting a missing bucket is a no-op
func (b *BboltBackend) DeleteBucket(name []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(name)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// BucketExists checks if a bucket exists
func (b *BboltBackend) BucketExists(name []byte) (bool, error) {
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(name) != nil
		return nil
	})
	return exists, err
}

// Put stores a key-value pair in a bucket
func (b *BboltBackend) Put(bucket, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return bkt.Put(key, value)
	})
}

// Get retrieves a value from a bucket. A missing key yields (nil, nil).
func (b *BboltBackend) Get(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		if v := bkt.Get(key); v != nil {
			// only valid for the life of the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Delete removes a key from a bucket
func (b *BboltBackend) Delete(bucket, key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return bkt.Delete(key)
	})
}

// ForEach iterates over all key-value pairs in a bucket
func (b *BboltBackend) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		}
		return bkt.ForEach(fn)
	})
}

// Batch runs fn inside one read-write transaction
func (b *BboltBackend) Batch(bucket []byte, fn func(Bucket) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return fn(bkt)
	})
}

// Close closes the database
func (b *BboltBackend) Close() error {
	return b.db.Close()
}
