package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend implements Backend using in-memory maps (not persistent)
type MemoryBackend struct {
	buckets map[string]map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryBackend creates a new in-memory storage backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]map[string][]byte),
	}
}

// CreateBucket creates a new bucket
func (m *MemoryBackend) CreateBucket(name []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.buckets[string(name)]; !exists {
		m.buckets[string(name)] = make(map[string][]byte)
	}
	return nil
}

// DeleteBucket deletes a bucket
func (m *MemoryBackend) DeleteBucket(name []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets, string(name))
	return nil
}

// BucketExists checks if a bucket exists
func (m *MemoryBackend) BucketExists(name []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.buckets[string(name)]
	return exists, nil
}

// Put stores a copy of value in a bucket
func (m *MemoryBackend) Put(bucket, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bkt, exists := m.buckets[string(bucket)]
	if !exists {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	bkt[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the stored value, or nil when the key is missing
func (m *MemoryBackend) Get(bucket, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bkt, exists := m.buckets[string(bucket)]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	value, exists := bkt[string(key)]
	if !exists {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// Delete removes a key from a bucket
func (m *MemoryBackend) Delete(bucket, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bkt, exists := m.buckets[string(bucket)]
	if !exists {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	delete(bkt, string(key))
	return nil
}

// ForEach iterates in key order, like bbolt does
func (m *MemoryBackend) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	m.mu.RLock()
	bkt, exists := m.buckets[string(bucket)]
	if !exists {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(bkt))
	for k, v := range bkt {
		values[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Batch runs fn with the backend lock held
func (m *MemoryBackend) Batch(bucket []byte, fn func(Bucket) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bkt, exists := m.buckets[string(bucket)]
	if !exists {
		bkt = make(map[string][]byte)
		m.buckets[string(bucket)] = bkt
	}
	return fn(memoryBucket(bkt))
}

// Close is a no-op for memory backend
func (m *MemoryBackend) Close() error {
	return nil
}

type memoryBucket map[string][]byte

func (b memoryBucket) Put(key, value []byte) error {
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b memoryBucket) Get(key []byte) []byte {
	return b[string(key)]
}

func (b memoryBucket) Delete(key []byte) error {
	delete(b, string(key))
	return nil
}
