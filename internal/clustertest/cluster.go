// Package clustertest runs an in-process shuffle cluster for tests: a
// metadata service and storage hosts on httptest servers, plus a Writer that
// lays shuffle data out on them the way the real write path does.
package clustertest

import (
	"fmt"
	"path/filepath"
	"testing"

	"pkg.jsn.cam/shufflefetch/pkg/storage"
)

// Cluster is a metadata service and a set of storage hosts.
type Cluster struct {
	Meta  *MetadataService
	Hosts []*StorageHost
}

type options struct {
	bbolt bool
}

// Option configures a Cluster.
type Option func(*options)

// WithBbolt stores chunks in bbolt files under the test's temp dir instead
// of memory.
func WithBbolt() Option {
	return func(o *options) { o.bbolt = true }
}

// New starts a cluster with n storage hosts. Everything is shut down when
// the test ends.
func New(t testing.TB, n int, opts ...Option) *Cluster {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cluster{Meta: newMetadataService()}
	t.Cleanup(c.Meta.close)

	dir := ""
	if o.bbolt {
		dir = t.TempDir()
	}
	for i := 0; i < n; i++ {
		var backend storage.Backend = storage.NewMemoryBackend()
		if o.bbolt {
			b, err := storage.NewBboltBackend(filepath.Join(dir, fmt.Sprintf("host-%d.db", i)))
			if err != nil {
				t.Fatalf("open host storage: %v", err)
			}
			backend = b
		}
		h := newStorageHost(fmt.Sprintf("host-%d", i), backend)
		t.Cleanup(h.close)
		c.Hosts = append(c.Hosts, h)
	}
	return c
}

// PartitionPrefix is the file name prefix of every file of a partition.
func PartitionPrefix(shuffleID, partition int) string {
	return fmt.Sprintf("shuffle-%d/part-%d-", shuffleID, partition)
}

// FetchesFor returns chunk fetches for a partition across all hosts.
func (c *Cluster) FetchesFor(shuffleID, partition int) int {
	n := 0
	for _, h := range c.Hosts {
		n += h.FetchesWithPrefix(PartitionPrefix(shuffleID, partition))
	}
	return n
}

// ClosesFor returns closed streams of a partition across all hosts.
func (c *Cluster) ClosesFor(shuffleID, partition int) int {
	n := 0
	for _, h := range c.Hosts {
		n += h.ClosesWithPrefix(PartitionPrefix(shuffleID, partition))
	}
	return n
}

// OpenStreamsFor returns streams of a partition still open across all hosts.
func (c *Cluster) OpenStreamsFor(shuffleID, partition int) int {
	n := 0
	for _, h := range c.Hosts {
		n += h.OpenStreamsWithPrefix(PartitionPrefix(shuffleID, partition))
	}
	return n
}

// Opens returns open requests received across all hosts.
func (c *Cluster) Opens() int {
	n := 0
	for _, h := range c.Hosts {
		n += h.Opens()
	}
	return n
}
