// Package stream builds the fault-tolerant byte stream of a partition from
// its replicas and the handles opened for them.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"pkg.jsn.cam/shufflefetch/internal/resolver"
	"pkg.jsn.cam/shufflefetch/internal/task"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// FactoryConfig carries everything resolved and opened for one read.
type FactoryConfig struct {
	FileGroup   *shuffle.FileGroup
	Range       shuffle.PartitionRange
	ChunkRanges map[string]shuffle.ChunkRange
	// Handles is read-only once the factory is built.
	Handles map[string]shuffle.StreamHandle

	Fetcher      ChunkFetcher
	Task         *task.Context
	State        *AttemptState
	OnFetch      FetchFunc
	FetchTimeout time.Duration
}

// Factory opens partition streams for one read invocation.
type Factory struct {
	cfg FactoryConfig

	mu       sync.Mutex
	opened   map[int]bool
	released bool
}

// NewFactory creates a factory. A nil State gets a fresh one.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.State == nil {
		cfg.State = &AttemptState{}
	}
	return &Factory{cfg: cfg, opened: make(map[int]bool)}
}

// State returns the first-error state shared by every partition.
func (f *Factory) State() *AttemptState { return f.cfg.State }

// OpenPartition returns the byte stream of a partition. Once any partition
// has failed, every call returns that first error without contacting a host.
// A partition with no producers or no replicas yields an empty stream.
func (f *Factory) OpenPartition(ctx context.Context, partition int) (io.ReadCloser, error) {
	if err := f.cfg.State.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, f.Fail(partition, context.Cause(ctx))
	}
	if !f.claim(partition) {
		return nil, f.Fail(partition, fmt.Errorf("%w: handles of partition %d already released", shuffle.ErrNoStreamHandle, partition))
	}

	fg := f.cfg.FileGroup
	if fg == nil || fg.NumMappers == 0 {
		return emptyStream(), nil
	}
	locs := resolver.Locations(fg, partition, f.cfg.Range, f.cfg.ChunkRanges)
	if len(locs) == 0 {
		return emptyStream(), nil
	}

	segments := buildSegments(locs, f.cfg.Handles)
	if file, ok := usable(segments); !ok {
		return nil, f.Fail(partition, fmt.Errorf("%w: %s", shuffle.ErrNoStreamHandle, file))
	}

	s := newReplicaStream(ctx, partition, segments, f.cfg.Fetcher,
		newBatchFilter(fg, f.cfg.Range), f.cfg.OnFetch, f.cfg.FetchTimeout)
	if f.cfg.Task != nil {
		f.cfg.Task.OnCompletion(func() { _ = s.Close() })
	}
	return s, nil
}

func (f *Factory) claim(partition int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return false
	}
	f.opened[partition] = true
	return true
}

// Opened returns the partitions handed to OpenPartition past the first-error
// check, in ascending order.
func (f *Factory) Opened() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.opened))
	for p := range f.opened {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// ReleaseUnopened closes the handles of every partition in the range that
// was never opened and refuses later opens. It returns the number of
// partitions whose handles were closed.
func (f *Factory) ReleaseUnopened(ctx context.Context) int {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return 0
	}
	f.released = true
	var pending []int
	for _, p := range f.cfg.Range.Partitions() {
		if !f.opened[p] {
			pending = append(pending, p)
		}
	}
	f.mu.Unlock()

	fg := f.cfg.FileGroup
	if fg == nil || fg.NumMappers == 0 {
		return 0
	}
	released := 0
	for _, p := range pending {
		locs := resolver.Locations(fg, p, f.cfg.Range, f.cfg.ChunkRanges)
		if len(locs) == 0 {
			continue
		}
		segments := buildSegments(locs, f.cfg.Handles)
		if !hasHandle(segments) {
			continue
		}
		_ = newReplicaStream(ctx, p, segments, f.cfg.Fetcher, nil, nil, 0).Close()
		released++
	}
	if released > 0 {
		log.Printf("[STREAM] Released handles of %d unread partitions", released)
	}
	return released
}

// Fail classifies err for partition, records it as the read's failure if it
// is the first, and returns the error the read must surface.
func (f *Factory) Fail(partition int, err error) error {
	return f.cfg.State.Record(Wrap(partition, err))
}

func hasHandle(segments []segment) bool {
	for _, s := range segments {
		for _, m := range s.mirrors {
			if m.ok {
				return true
			}
		}
	}
	return false
}

func emptyStream() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(nil))
}
