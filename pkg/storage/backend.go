package storage

import (
	"encoding/binary"
	"errors"
)

// ErrBucketNotFound is returned when an operation names a bucket that was never created.
var ErrBucketNotFound = errors.New("bucket not found")

// Backend is a bucketed key-value store. The resolver keeps resolved file
// groups in it and the in-process storage hosts keep replica chunks in it.
// Keys within a bucket iterate in byte order.
type Backend interface {
	CreateBucket(name []byte) error
	DeleteBucket(name []byte) error
	BucketExists(name []byte) (bool, error)

	Put(bucket, key, value []byte) error
	Get(bucket, key []byte) ([]byte, error)
	Delete(bucket, key []byte) error

	// ForEach visits every pair of a bucket in key order.
	ForEach(bucket []byte, fn func(k, v []byte) error) error

	// Batch runs fn against a single bucket atomically, creating it if needed.
	Batch(bucket []byte, fn func(b Bucket) error) error

	Close() error
}

// Bucket provides access to a single bucket inside a Batch
type Bucket interface {
	Put(key, value []byte) error
	Get(key []byte) []byte
	Delete(key []byte) error
}

// IndexKey encodes a non-negative index so byte order matches numeric order.
func IndexKey(i int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

// KeyIndex reverses IndexKey.
func KeyIndex(k []byte) int {
	if len(k) != 8 {
		return -1
	}
	return int(binary.BigEndian.Uint64(k))
}
