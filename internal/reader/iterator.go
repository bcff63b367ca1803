package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"pkg.jsn.cam/shufflefetch/internal/codec"
	"pkg.jsn.cam/shufflefetch/internal/metrics"
	"pkg.jsn.cam/shufflefetch/internal/stream"
	"pkg.jsn.cam/shufflefetch/internal/task"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// Iterator is the single record sequence a read produces.
type Iterator interface {
	shuffle.Iterator
	State() State
	Metrics() *metrics.TaskMetrics
}

// partitionIterator walks the partitions in order, opening each one only
// when the previous one is exhausted.
type partitionIterator struct {
	ctx        context.Context
	partitions []int
	factory    *stream.Factory
	serializer codec.Serializer
	metrics    *metrics.ShuffleReadMetrics
	onError    func(partition int, err error) error

	idx int
	rc  io.ReadCloser
	dec codec.RecordDecoder
	cur shuffle.KeyValue
	err error
}

func (it *partitionIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.dec == nil {
			if it.idx >= len(it.partitions) {
				return false
			}
			p := it.partitions[it.idx]

			start := time.Now()
			rc, err := it.factory.OpenPartition(it.ctx, p)
			it.metrics.IncFetchWait(time.Since(start))
			if err != nil {
				it.err = it.onError(p, err)
				return false
			}
			it.rc, it.dec = rc, it.serializer.NewDecoder(rc)
		}

		kv, err := it.dec.Decode()
		if errors.Is(err, io.EOF) {
			it.closeCurrent()
			it.idx++
			continue
		}
		if err != nil {
			it.err = it.onError(it.partitions[it.idx], err)
			it.closeCurrent()
			return false
		}
		it.cur = kv
		return true
	}
}

func (it *partitionIterator) closeCurrent() {
	if it.rc != nil {
		_ = it.rc.Close()
	}
	it.rc, it.dec = nil, nil
}

func (it *partitionIterator) Record() shuffle.KeyValue { return it.cur }
func (it *partitionIterator) Err() error               { return it.err }

func (it *partitionIterator) Close() error {
	it.closeCurrent()
	return nil
}

// metricsIterator counts every record handed out.
type metricsIterator struct {
	shuffle.Iterator
	metrics *metrics.ShuffleReadMetrics
}

func (it *metricsIterator) Next() bool {
	if !it.Iterator.Next() {
		return false
	}
	it.metrics.IncRecordsRead(1)
	return true
}

// interruptibleIterator stops pulling once the task is cancelled.
type interruptibleIterator struct {
	shuffle.Iterator
	tctx *task.Context
	err  error
}

func (it *interruptibleIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.tctx.IsInterrupted() {
		it.err = fmt.Errorf("read interrupted for task %s attempt %d: %w",
			it.tctx.ID(), it.tctx.AttemptNumber(), it.tctx.Cause())
		return false
	}
	return it.Iterator.Next()
}

func (it *interruptibleIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.Iterator.Err()
}

// deferredIterator builds its source from in on the first pull. Closing it
// before that closes in.
type deferredIterator struct {
	in    shuffle.Iterator
	build func(in shuffle.Iterator) (shuffle.Iterator, error)
	src   shuffle.Iterator
	err   error
	done  bool
}

func (it *deferredIterator) Next() bool {
	if !it.done {
		it.done = true
		it.src, it.err = it.build(it.in)
	}
	if it.err != nil || it.src == nil {
		return false
	}
	return it.src.Next()
}

func (it *deferredIterator) Record() shuffle.KeyValue { return it.src.Record() }

func (it *deferredIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.src != nil {
		return it.src.Err()
	}
	return nil
}

func (it *deferredIterator) Close() error {
	if !it.done {
		it.done = true
		return it.in.Close()
	}
	if it.src != nil {
		return it.src.Close()
	}
	return nil
}

// trackedIterator is the outermost layer: it drives the state machine and
// closes the chain once it is exhausted.
type trackedIterator struct {
	inner   shuffle.Iterator
	factory *stream.Factory
	state   *readState
	metrics *metrics.TaskMetrics
	logTag  string
	start   time.Time

	closeOnce sync.Once
	closeErr  error
}

func (it *trackedIterator) Next() bool {
	switch it.state.load() {
	case StateCompleted, StateFailed:
		return false
	}
	if it.inner.Next() {
		return true
	}

	if err := it.inner.Err(); err != nil {
		it.state.set(StateFailed)
		log.Printf("%s Read failed after opening partitions %v: %v", it.logTag, it.factory.Opened(), err)
	} else {
		it.state.set(StateCompleted)
		sr := it.metrics.ShuffleRead()
		log.Printf("%s Read completed in %v: %d records, %d bytes in %d chunks",
			it.logTag, time.Since(it.start).Round(time.Millisecond),
			sr.RecordsRead(), sr.RemoteBytesRead(), sr.RemoteBlocksFetched())
	}
	_ = it.Close()
	return false
}

func (it *trackedIterator) Record() shuffle.KeyValue { return it.inner.Record() }
func (it *trackedIterator) Err() error               { return it.inner.Err() }
func (it *trackedIterator) State() State             { return it.state.load() }

func (it *trackedIterator) Metrics() *metrics.TaskMetrics { return it.metrics }

func (it *trackedIterator) Close() error {
	it.closeOnce.Do(func() { it.closeErr = it.inner.Close() })
	return it.closeErr
}
