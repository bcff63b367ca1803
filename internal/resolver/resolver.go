// Package resolver finds the replicas that hold a shuffle's partitions.
package resolver

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/storage"
)

var fileGroupBucket = []byte("file_groups")

// Resolver resolves file groups through a MetadataClient and caches them
// for the life of the process, or across restarts with a bbolt cache.
type Resolver struct {
	client MetadataClient
	cache  storage.Backend
}

// New wraps client with a cache kept in backend.
func New(client MetadataClient, backend storage.Backend) (*Resolver, error) {
	if err := backend.CreateBucket(fileGroupBucket); err != nil {
		return nil, fmt.Errorf("create file group cache: %w", err)
	}
	return &Resolver{client: client, cache: backend}, nil
}

// Open creates a resolver with a bbolt cache at cachePath, or an in-memory
// cache when cachePath is empty.
func Open(client MetadataClient, cachePath string) (*Resolver, error) {
	if cachePath == "" {
		return New(client, storage.NewMemoryBackend())
	}
	backend, err := storage.NewBboltBackend(cachePath)
	if err != nil {
		return nil, fmt.Errorf("open location cache: %w", err)
	}
	r, err := New(client, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return r, nil
}

// Resolve returns the file group of shuffleID within the application
// identified by shuffleKey, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, shuffleKey string, shuffleID int) (*shuffle.FileGroup, error) {
	key := cacheKey(shuffleKey, shuffleID)

	var cached shuffle.FileGroup
	found, err := storage.GetJSON(r.cache, fileGroupBucket, key, &cached)
	if err != nil {
		log.Printf("[RESOLVER] Cache read for shuffle %d failed: %v", shuffleID, err)
	}
	if found {
		return &cached, nil
	}

	fg, err := r.client.ResolveFileGroup(ctx, shuffleID)
	if err != nil {
		return nil, err
	}

	if err := storage.PutJSON(r.cache, fileGroupBucket, key, fg); err != nil {
		log.Printf("[RESOLVER] Cache write for shuffle %d failed: %v", shuffleID, err)
	}
	return fg, nil
}

// ReportFetchFailure forwards to the metadata service.
func (r *Resolver) ReportFetchFailure(ctx context.Context, appShuffleID, shuffleID int) (bool, error) {
	return r.client.ReportFetchFailure(ctx, appShuffleID, shuffleID)
}

// Invalidate drops the cached file group of shuffleID so the next read
// resolves it again.
func (r *Resolver) Invalidate(shuffleKey string, shuffleID int) error {
	return r.cache.Delete(fileGroupBucket, cacheKey(shuffleKey, shuffleID))
}

// Close releases the cache.
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// cacheKey scopes shuffle ids by application. Ids restart at 0 in every
// application and a bbolt cache outlives the process.
func cacheKey(shuffleKey string, shuffleID int) []byte {
	return []byte(shuffleKey + "/" + strconv.Itoa(shuffleID))
}

// Locations returns the replicas to read for a partition. For skew reads
// only replicas with a chunk range are kept.
func Locations(fg *shuffle.FileGroup, partition int, rng shuffle.PartitionRange, chunkRanges map[string]shuffle.ChunkRange) []shuffle.ReplicaLocation {
	locs := fg.Locations(partition)
	if !rng.IsSkewRead() {
		return locs
	}
	narrowed := make([]shuffle.ReplicaLocation, 0, len(locs))
	for _, l := range locs {
		if _, ok := chunkRanges[l.UniqueID]; ok {
			narrowed = append(narrowed, l)
		}
	}
	return narrowed
}
