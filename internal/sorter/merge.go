package sorter

import (
	"container/heap"
	"io"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

type head struct {
	kv    shuffle.KeyValue
	src   source
	index int
}

// mergeHeap orders heads by key, then by source so equal keys keep
// insertion order across runs.
type mergeHeap struct {
	items    []*head
	ordering Ordering
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := h.ordering(h.items[i].kv.Key, h.items[j].kv.Key); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(*head)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

type mergeIterator struct {
	sorter *ExternalSorter
	agg    *Aggregator
	h      *mergeHeap

	cur shuffle.KeyValue
	err error
}

// pop removes the smallest head and refills it from its source.
func (m *mergeIterator) pop() (shuffle.KeyValue, error) {
	top := m.h.items[0]
	kv := top.kv

	next, err := top.src.next()
	switch {
	case err == io.EOF:
		heap.Pop(m.h)
	case err != nil:
		return kv, err
	default:
		top.kv = next
		heap.Fix(m.h, 0)
	}
	return kv, nil
}

func (m *mergeIterator) Next() bool {
	if m.err != nil || m.h.Len() == 0 {
		return false
	}

	kv, err := m.pop()
	if err != nil {
		m.err = err
		return false
	}

	if m.agg != nil {
		for m.h.Len() > 0 && m.h.ordering(m.h.items[0].kv.Key, kv.Key) == 0 {
			other, err := m.pop()
			if err != nil {
				m.err = err
				return false
			}
			kv.Value = m.agg.MergeCombiners(kv.Value, other.Value)
		}
	}

	m.cur = kv
	return true
}

func (m *mergeIterator) Record() shuffle.KeyValue { return m.cur }
func (m *mergeIterator) Err() error               { return m.err }
func (m *mergeIterator) Close() error             { return m.sorter.Close() }
