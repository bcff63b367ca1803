package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

const closeTimeout = 5 * time.Second

// FetchFunc observes every chunk fetched from a host.
type FetchFunc func(bytes int, elapsed time.Duration)

type mirror struct {
	loc    shuffle.ReplicaLocation
	handle shuffle.StreamHandle
	ok     bool
}

// segment is one file of a partition and every mirror copy of it.
type segment struct {
	fileName string
	mirrors  []mirror
}

// ReplicaStream is the byte stream of one partition. Segments are read in
// order, chunk by chunk, from the first mirror with a handle. A transient
// fetch error moves to the next mirror at the same chunk.
type ReplicaStream struct {
	ctx          context.Context
	partition    int
	segments     []segment
	fetcher      ChunkFetcher
	filter       *batchFilter
	onFetch      FetchFunc
	fetchTimeout time.Duration

	seg    int
	mirror int
	chunk  int
	buf    []byte
	err    error

	closeOnce sync.Once
	closeErr  error
}

func newReplicaStream(ctx context.Context, partition int, segments []segment, fetcher ChunkFetcher, filter *batchFilter, onFetch FetchFunc, fetchTimeout time.Duration) *ReplicaStream {
	if onFetch == nil {
		onFetch = func(int, time.Duration) {}
	}
	return &ReplicaStream{
		ctx:          ctx,
		partition:    partition,
		segments:     segments,
		fetcher:      fetcher,
		filter:       filter,
		onFetch:      onFetch,
		fetchTimeout: fetchTimeout,
	}
}

// buildSegments groups locations by file name, keeping first-seen order.
func buildSegments(locs []shuffle.ReplicaLocation, handles map[string]shuffle.StreamHandle) []segment {
	var segments []segment
	index := make(map[string]int)
	for _, loc := range locs {
		h, ok := handles[loc.UniqueID]
		i, seen := index[loc.FileName]
		if !seen {
			i = len(segments)
			index[loc.FileName] = i
			segments = append(segments, segment{fileName: loc.FileName})
		}
		segments[i].mirrors = append(segments[i].mirrors, mirror{loc: loc, handle: h, ok: ok})
	}
	return segments
}

// usable reports whether every segment has at least one mirror with a handle.
func usable(segments []segment) (string, bool) {
	for _, s := range segments {
		found := false
		for _, m := range s.mirrors {
			if m.ok {
				found = true
				break
			}
		}
		if !found {
			return s.fileName, false
		}
	}
	return "", true
}

func (s *ReplicaStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if err := s.ctx.Err(); err != nil {
			s.err = context.Cause(s.ctx)
			return 0, s.err
		}
		payload, err := s.next()
		if err != nil {
			s.err = err
			return 0, err
		}
		s.buf = payload
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// next fetches the following chunk and returns its kept record bytes.
func (s *ReplicaStream) next() ([]byte, error) {
	var lastErr error
	for s.seg < len(s.segments) {
		seg := s.segments[s.seg]

		for s.mirror < len(seg.mirrors) && !seg.mirrors[s.mirror].ok {
			s.mirror++
		}
		if s.mirror >= len(seg.mirrors) {
			if lastErr != nil {
				return nil, fmt.Errorf("every mirror of %s failed at chunk %d: %w", seg.fileName, s.chunk, lastErr)
			}
			return nil, fmt.Errorf("%w: %s", shuffle.ErrNoStreamHandle, seg.fileName)
		}

		m := seg.mirrors[s.mirror]
		if s.chunk >= m.handle.NumChunks {
			s.seg++
			s.mirror, s.chunk = 0, 0
			continue
		}

		payload, err := s.fetch(m)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, context.Cause(s.ctx)
			}
			if Classify(err) != KindTransient {
				return nil, err
			}
			log.Printf("[STREAM] Partition %d: chunk %d of %s failed on %s, trying next mirror: %v",
				s.partition, s.chunk, seg.fileName, m.loc.Endpoint(), err)
			lastErr = err
			s.mirror++
			continue
		}
		s.chunk++

		kept, err := s.filter.apply(payload)
		if err != nil {
			return nil, err
		}
		if len(kept) > 0 {
			return kept, nil
		}
	}
	return nil, io.EOF
}

func (s *ReplicaStream) fetch(m mirror) ([]byte, error) {
	ctx := s.ctx
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := s.fetcher.FetchChunk(ctx, m.loc.Endpoint(), m.handle.StreamID, s.chunk)
	if err != nil {
		return nil, err
	}
	s.onFetch(len(payload), time.Since(start))
	return payload, nil
}

// Close releases every stream handle of the partition. It is safe to call
// more than once; only the first call talks to the hosts.
func (s *ReplicaStream) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), closeTimeout)
		defer cancel()

		var errs []error
		for _, seg := range s.segments {
			for _, m := range seg.mirrors {
				if !m.ok {
					continue
				}
				if err := s.fetcher.CloseStream(ctx, m.loc.Endpoint(), m.handle.StreamID); err != nil {
					errs = append(errs, fmt.Errorf("close %s on %s: %w", m.handle.StreamID, m.loc.Endpoint(), err))
				}
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			log.Printf("[STREAM] Partition %d: %v", s.partition, s.closeErr)
		}
	})
	return s.closeErr
}

// batchFilter drops batches that must not be replayed: those of attempts
// that did not commit, duplicates, batches marked failed at write time and,
// for normal reads, batches of producers outside the map range.
type batchFilter struct {
	fg   *shuffle.FileGroup
	rng  shuffle.PartitionRange
	seen map[protocol.BatchHeader]struct{}
}

func newBatchFilter(fg *shuffle.FileGroup, rng shuffle.PartitionRange) *batchFilter {
	return &batchFilter{fg: fg, rng: rng, seen: make(map[protocol.BatchHeader]struct{})}
}

func (f *batchFilter) apply(payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(payload))
	for len(payload) > 0 {
		h, err := protocol.ParseBatchHeader(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[protocol.BatchHeaderSize:]
		if int(h.Size) > len(payload) {
			return nil, fmt.Errorf("%w: batch of %d bytes with %d left", shuffle.ErrChunkCorrupted, h.Size, len(payload))
		}
		body := payload[:h.Size]
		payload = payload[h.Size:]

		if f.keep(h) {
			out = append(out, body...)
		}
	}
	return out, nil
}

func (f *batchFilter) keep(h protocol.BatchHeader) bool {
	mapID, attemptID, batchID := int(h.MapID), int(h.AttemptID), int(h.BatchID)

	if len(f.fg.MapAttempts) > 0 && f.fg.CommittedAttempt(mapID) != attemptID {
		return false
	}
	if !f.rng.ContainsMap(mapID) {
		return false
	}
	if f.fg.IsFailedBatch(mapID, attemptID, batchID) {
		return false
	}

	key := protocol.BatchHeader{MapID: h.MapID, AttemptID: h.AttemptID, BatchID: h.BatchID}
	if _, dup := f.seen[key]; dup {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}
