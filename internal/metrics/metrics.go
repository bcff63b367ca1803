// Package metrics tracks what a shuffle read actually consumed. Per-task
// counters live in TaskMetrics; a Collector mirrors them into prometheus.
package metrics

import (
	"sync/atomic"
	"time"
)

// ShuffleReadMetrics are updated as records are pulled, never eagerly.
type ShuffleReadMetrics struct {
	collector *Collector

	remoteBytesRead     atomic.Int64
	remoteBlocksFetched atomic.Int64
	fetchWaitNanos      atomic.Int64
	recordsRead         atomic.Int64
}

// IncRemoteBytesRead adds n bytes fetched from storage hosts.
func (m *ShuffleReadMetrics) IncRemoteBytesRead(n int64) {
	m.remoteBytesRead.Add(n)
	m.collector.addRemoteBytes(n)
}

// IncRemoteBlocksFetched adds n fetched chunks.
func (m *ShuffleReadMetrics) IncRemoteBlocksFetched(n int64) {
	m.remoteBlocksFetched.Add(n)
	m.collector.addRemoteBlocks(n)
}

// IncFetchWait adds time spent blocked on remote data.
func (m *ShuffleReadMetrics) IncFetchWait(d time.Duration) {
	m.fetchWaitNanos.Add(int64(d))
	m.collector.observeFetchWait(d)
}

// IncRecordsRead adds n records handed to the consumer.
func (m *ShuffleReadMetrics) IncRecordsRead(n int64) {
	m.recordsRead.Add(n)
	m.collector.addRecords(n)
}

func (m *ShuffleReadMetrics) RemoteBytesRead() int64     { return m.remoteBytesRead.Load() }
func (m *ShuffleReadMetrics) RemoteBlocksFetched() int64 { return m.remoteBlocksFetched.Load() }
func (m *ShuffleReadMetrics) RecordsRead() int64         { return m.recordsRead.Load() }

func (m *ShuffleReadMetrics) FetchWait() time.Duration {
	return time.Duration(m.fetchWaitNanos.Load())
}

// TaskMetrics is the metrics sink of one task.
type TaskMetrics struct {
	shuffleRead ShuffleReadMetrics

	memoryBytesSpilled  atomic.Int64
	diskBytesSpilled    atomic.Int64
	peakExecutionMemory atomic.Int64
}

// NewTaskMetrics creates task metrics that also report to c. c may be nil.
func NewTaskMetrics(c *Collector) *TaskMetrics {
	m := &TaskMetrics{}
	m.shuffleRead.collector = c
	return m
}

// ShuffleRead returns the read-side counters.
func (m *TaskMetrics) ShuffleRead() *ShuffleReadMetrics { return &m.shuffleRead }

// IncMemoryBytesSpilled adds the in-memory size of spilled data.
func (m *TaskMetrics) IncMemoryBytesSpilled(n int64) {
	m.memoryBytesSpilled.Add(n)
	m.shuffleRead.collector.addSpill(mediumMemory, n)
}

// IncDiskBytesSpilled adds the on-disk size of spilled data.
func (m *TaskMetrics) IncDiskBytesSpilled(n int64) {
	m.diskBytesSpilled.Add(n)
	m.shuffleRead.collector.addSpill(mediumDisk, n)
}

// UpdatePeakExecutionMemory raises the recorded peak to v if v is larger.
func (m *TaskMetrics) UpdatePeakExecutionMemory(v int64) {
	for {
		cur := m.peakExecutionMemory.Load()
		if v <= cur {
			return
		}
		if m.peakExecutionMemory.CompareAndSwap(cur, v) {
			m.shuffleRead.collector.setPeakMemory(v)
			return
		}
	}
}

func (m *TaskMetrics) MemoryBytesSpilled() int64  { return m.memoryBytesSpilled.Load() }
func (m *TaskMetrics) DiskBytesSpilled() int64    { return m.diskBytesSpilled.Load() }
func (m *TaskMetrics) PeakExecutionMemory() int64 { return m.peakExecutionMemory.Load() }
