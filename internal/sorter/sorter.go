// Package sorter orders and aggregates a record stream, spilling sorted runs
// to disk when the in-memory buffer grows past its limit.
package sorter

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/pierrec/lz4/v4"

	"pkg.jsn.cam/shufflefetch/internal/codec"
	"pkg.jsn.cam/shufflefetch/internal/metrics"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// Ordering compares two keys.
type Ordering func(a, b string) int

// Ascending orders keys lexicographically.
var Ascending Ordering = strings.Compare

// recordOverhead approximates the per-record bookkeeping cost in memory.
const recordOverhead = 48

var ErrSorterClosed = errors.New("sorter closed")

// Options configures an ExternalSorter.
type Options struct {
	// Ordering defaults to Ascending.
	Ordering Ordering
	// Aggregator merges equal keys when set.
	Aggregator *Aggregator
	// Combined marks input values as combiners rather than raw values.
	Combined bool

	SpillDir    string
	MemoryLimit int64
	Metrics     *metrics.TaskMetrics
}

// ExternalSorter buffers records, spills sorted runs when over its memory
// limit and merges everything back in order.
type ExternalSorter struct {
	opts Options

	buffer    []shuffle.KeyValue
	combiners map[string]string
	memBytes  int64

	runs   []string
	open   []*runReader
	closed bool

	peakMemory         int64
	memoryBytesSpilled int64
	diskBytesSpilled   int64
}

// NewExternalSorter creates a sorter.
func NewExternalSorter(opts Options) *ExternalSorter {
	if opts.Ordering == nil {
		opts.Ordering = Ascending
	}
	if opts.SpillDir == "" {
		opts.SpillDir = os.TempDir()
	}
	s := &ExternalSorter{opts: opts}
	if opts.Aggregator != nil {
		s.combiners = make(map[string]string)
	}
	return s
}

func recordSize(k, v string) int64 {
	return int64(len(k)+len(v)) + recordOverhead
}

// Insert adds one record.
func (s *ExternalSorter) Insert(kv shuffle.KeyValue) error {
	if s.closed {
		return ErrSorterClosed
	}

	if agg := s.opts.Aggregator; agg != nil {
		c, ok := s.combiners[kv.Key]
		switch {
		case !ok && s.opts.Combined:
			s.combiners[kv.Key] = kv.Value
			s.memBytes += recordSize(kv.Key, kv.Value)
		case !ok:
			nc := agg.CreateCombiner(kv.Value)
			s.combiners[kv.Key] = nc
			s.memBytes += recordSize(kv.Key, nc)
		default:
			var nc string
			if s.opts.Combined {
				nc = agg.MergeCombiners(c, kv.Value)
			} else {
				nc = agg.MergeValue(c, kv.Value)
			}
			s.combiners[kv.Key] = nc
			s.memBytes += int64(len(nc) - len(c))
		}
	} else {
		s.buffer = append(s.buffer, kv)
		s.memBytes += recordSize(kv.Key, kv.Value)
	}

	if s.memBytes > s.peakMemory {
		s.peakMemory = s.memBytes
		if s.opts.Metrics != nil {
			s.opts.Metrics.UpdatePeakExecutionMemory(s.memBytes)
		}
	}
	if s.opts.MemoryLimit > 0 && s.memBytes > s.opts.MemoryLimit {
		return s.spill()
	}
	return nil
}

// InsertAll drains it into the sorter and closes it.
func (s *ExternalSorter) InsertAll(it shuffle.Iterator) error {
	defer it.Close()
	for it.Next() {
		if err := s.Insert(it.Record()); err != nil {
			return err
		}
	}
	return it.Err()
}

// sorted returns the in-memory records in order and empties the buffer.
func (s *ExternalSorter) sorted() []shuffle.KeyValue {
	var out []shuffle.KeyValue
	if s.combiners != nil {
		out = make([]shuffle.KeyValue, 0, len(s.combiners))
		for k, v := range s.combiners {
			out = append(out, shuffle.KeyValue{Key: k, Value: v})
		}
		clear(s.combiners)
	} else {
		out = s.buffer
		s.buffer = nil
	}
	slices.SortStableFunc(out, func(a, b shuffle.KeyValue) int {
		return s.opts.Ordering(a.Key, b.Key)
	})
	s.memBytes = 0
	return out
}

func (s *ExternalSorter) spill() error {
	spilledMem := s.memBytes
	records := s.sorted()

	f, err := os.CreateTemp(s.opts.SpillDir, "shufflefetch-spill-*.lz4")
	if err != nil {
		return fmt.Errorf("create spill file: %w", err)
	}
	s.runs = append(s.runs, f.Name())

	zw := lz4.NewWriter(f)
	enc := codec.MsgpSerializer{}.NewEncoder(zw)
	for _, kv := range records {
		if err := enc.Encode(kv); err != nil {
			f.Close()
			return fmt.Errorf("write spill file: %w", err)
		}
	}
	if err := enc.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write spill file: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("write spill file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.memoryBytesSpilled += spilledMem
	s.diskBytesSpilled += info.Size()
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncMemoryBytesSpilled(spilledMem)
		s.opts.Metrics.IncDiskBytesSpilled(info.Size())
	}
	log.Printf("[SORTER] Spilled %d records (%d bytes in memory, %d on disk) to %s",
		len(records), spilledMem, info.Size(), f.Name())
	return nil
}

// Iterator returns the merged, ordered records. Closing the iterator closes
// the sorter.
func (s *ExternalSorter) Iterator() (shuffle.Iterator, error) {
	if s.closed {
		return nil, ErrSorterClosed
	}

	var sources []source
	for _, path := range s.runs {
		r, err := openRun(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.open = append(s.open, r)
		sources = append(sources, r)
	}
	sources = append(sources, &memorySource{kvs: s.sorted()})

	m := &mergeIterator{sorter: s, agg: s.opts.Aggregator, h: &mergeHeap{ordering: s.opts.Ordering}}
	for i, src := range sources {
		kv, err := src.next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			s.Close()
			return nil, err
		}
		m.h.items = append(m.h.items, &head{kv: kv, src: src, index: i})
	}
	heap.Init(m.h)
	return m, nil
}

// MemoryBytesSpilled returns the in-memory size of all spilled runs.
func (s *ExternalSorter) MemoryBytesSpilled() int64 { return s.memoryBytesSpilled }

// DiskBytesSpilled returns the on-disk size of all spilled runs.
func (s *ExternalSorter) DiskBytesSpilled() int64 { return s.diskBytesSpilled }

// PeakMemory returns the largest buffer size observed.
func (s *ExternalSorter) PeakMemory() int64 { return s.peakMemory }

// SpillCount returns the number of runs written to disk.
func (s *ExternalSorter) SpillCount() int { return len(s.runs) }

// Close removes every spill file. It is safe to call more than once.
func (s *ExternalSorter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, r := range s.open {
		errs = append(errs, r.close())
	}
	for _, path := range s.runs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	s.open, s.runs, s.buffer, s.combiners = nil, nil, nil, nil
	return errors.Join(errs...)
}

type source interface {
	next() (shuffle.KeyValue, error)
}

type memorySource struct {
	kvs []shuffle.KeyValue
}

func (m *memorySource) next() (shuffle.KeyValue, error) {
	if len(m.kvs) == 0 {
		return shuffle.KeyValue{}, io.EOF
	}
	kv := m.kvs[0]
	m.kvs = m.kvs[1:]
	return kv, nil
}

type runReader struct {
	f   *os.File
	dec codec.RecordDecoder
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill file: %w", err)
	}
	return &runReader{f: f, dec: codec.MsgpSerializer{}.NewDecoder(lz4.NewReader(f))}, nil
}

func (r *runReader) next() (shuffle.KeyValue, error) { return r.dec.Decode() }
func (r *runReader) close() error                    { return r.f.Close() }
