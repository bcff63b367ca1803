// Package skew splits an oversized partition into byte-balanced sub-ranges
// of chunk indices so that several readers can share it.
package skew

import (
	"slices"
	"strings"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// Split computes the chunk range every replica contributes to sub-partition
// index of count. Independent callers with the same replica set agree on the
// result regardless of input order.
//
// Replicas sharing a FileName are mirrors of one segment: the segment's size
// is counted once and its range is emitted for each mirror. Replicas with no
// chunk in the window are left out and must not be opened.
func Split(replicas []shuffle.ReplicaLocation, count, index int) map[string]shuffle.ChunkRange {
	ranges := make(map[string]shuffle.ChunkRange)
	if count <= 0 || index < 0 || index >= count || len(replicas) == 0 {
		return ranges
	}

	sorted := slices.Clone(replicas)
	slices.SortStableFunc(sorted, func(a, b shuffle.ReplicaLocation) int {
		return strings.Compare(a.UniqueID, b.UniqueID)
	})

	// Segments are ordered by their first mirror in unique id order.
	var segments []string
	mirrors := make(map[string][]shuffle.ReplicaLocation)
	for _, r := range sorted {
		if _, seen := mirrors[r.FileName]; !seen {
			segments = append(segments, r.FileName)
		}
		mirrors[r.FileName] = append(mirrors[r.FileName], r)
	}

	var total int64
	for _, name := range segments {
		total += mirrors[name][0].Meta.FileSize
	}
	step := total / int64(count)
	start := step * int64(index)
	end := step * int64(index+1)
	if index == count-1 {
		end = total
	}

	var offset int64
	for _, name := range segments {
		meta := mirrors[name][0].Meta
		if rng, ok := window(meta, offset, start, end); ok {
			for _, m := range mirrors[name] {
				ranges[m.UniqueID] = rng
			}
		}
		offset += meta.FileSize
	}
	return ranges
}

// window finds the chunks of one segment whose absolute start offset lies
// in [start, end).
func window(meta shuffle.StorageMeta, base, start, end int64) (shuffle.ChunkRange, bool) {
	left, right := -1, -1
	for i, off := range meta.ChunkOffsets {
		abs := base + off
		if left < 0 && abs >= start {
			left = i
		}
		if abs < end {
			right = i
		}
	}
	if left < 0 || right < 0 || left > right {
		return shuffle.ChunkRange{}, false
	}
	return shuffle.ChunkRange{First: left, Last: right}, true
}
