package shuffle

import (
	"net"
	"strconv"
)

// KeyValue is a single shuffled record.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PartitionRange addresses the data one read invocation consumes.
//
// Partitions are read from [StartPartition, EndPartition). The map-index pair
// is normally a half-open filter over upstream producers. When StartMapIndex is
// greater than EndMapIndex the pair instead identifies one sub-range of a
// skewed partition: StartMapIndex is the sub-partition count and EndMapIndex
// the sub-partition index.
type PartitionRange struct {
	StartPartition int `json:"start_partition"`
	EndPartition   int `json:"end_partition"`
	StartMapIndex  int `json:"start_map_index"`
	EndMapIndex    int `json:"end_map_index"`
}

// IsSkewRead reports whether the map-index pair encodes a skew sub-range.
func (r PartitionRange) IsSkewRead() bool {
	return r.StartMapIndex > r.EndMapIndex
}

// SubPartitionCount is only meaningful for skew reads.
func (r PartitionRange) SubPartitionCount() int { return r.StartMapIndex }

// SubPartitionIndex is only meaningful for skew reads.
func (r PartitionRange) SubPartitionIndex() int { return r.EndMapIndex }

// Partitions returns the partition ids of the range in ascending order.
func (r PartitionRange) Partitions() []int {
	if r.EndPartition <= r.StartPartition {
		return nil
	}
	ids := make([]int, 0, r.EndPartition-r.StartPartition)
	for p := r.StartPartition; p < r.EndPartition; p++ {
		ids = append(ids, p)
	}
	return ids
}

// ContainsMap reports whether a producer index passes the map-index filter.
// Skew reads never filter by producer.
func (r PartitionRange) ContainsMap(mapID int) bool {
	if r.IsSkewRead() {
		return true
	}
	return mapID >= r.StartMapIndex && mapID < r.EndMapIndex
}

// Validate checks the range for obviously broken input.
func (r PartitionRange) Validate() error {
	if r.StartPartition < 0 || r.EndPartition < r.StartPartition {
		return ErrInvalidRange
	}
	if r.IsSkewRead() && (r.EndMapIndex < 0 || r.StartMapIndex <= 0) {
		return ErrInvalidRange
	}
	if !r.IsSkewRead() && r.StartMapIndex < 0 {
		return ErrInvalidRange
	}
	return nil
}

// StorageMeta describes the physical layout of a replica file.
type StorageMeta struct {
	FileSize int64 `json:"file_size"`
	// ChunkOffsets holds the starting byte offset of every chunk, ascending.
	ChunkOffsets []int64 `json:"chunk_offsets"`
}

// NumChunks returns the number of chunks in the file.
func (m StorageMeta) NumChunks() int { return len(m.ChunkOffsets) }

// ReplicaLocation identifies one physical copy of partition data. Locations
// that share a FileName are mirror copies of the same bytes.
type ReplicaLocation struct {
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	FileName string      `json:"file_name"`
	UniqueID string      `json:"unique_id"`
	Meta     StorageMeta `json:"meta"`
}

// Endpoint returns the host:port the replica is served from.
func (l ReplicaLocation) Endpoint() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// FileGroup maps every logical partition of a shuffle to its replicas,
// together with the write-attempt bookkeeping needed to replay batches
// correctly. It is read-only once resolved.
type FileGroup struct {
	ShuffleID  int                       `json:"shuffle_id"`
	Partitions map[int][]ReplicaLocation `json:"partitions"`
	// MapAttempts holds the committed attempt id of every mapper.
	MapAttempts []int `json:"map_attempts"`
	// FailedBatches lists batch ids written by a "mapID-attemptID" pair that
	// must be skipped on read.
	FailedBatches map[string][]int `json:"failed_batches,omitempty"`
	NumMappers    int              `json:"num_mappers"`
}

// Locations returns the replicas backing a partition, or nil.
func (g *FileGroup) Locations(partition int) []ReplicaLocation {
	if g == nil {
		return nil
	}
	return g.Partitions[partition]
}

// CommittedAttempt returns the attempt id that won for mapID, or -1.
func (g *FileGroup) CommittedAttempt(mapID int) int {
	if g == nil || mapID < 0 || mapID >= len(g.MapAttempts) {
		return -1
	}
	return g.MapAttempts[mapID]
}

// IsFailedBatch reports whether a batch was marked as failed at write time.
func (g *FileGroup) IsFailedBatch(mapID, attemptID, batchID int) bool {
	if g == nil || len(g.FailedBatches) == 0 {
		return false
	}
	for _, b := range g.FailedBatches[BatchKey(mapID, attemptID)] {
		if b == batchID {
			return true
		}
	}
	return false
}

// BatchKey is the FailedBatches key of a mapper attempt.
func BatchKey(mapID, attemptID int) string {
	return strconv.Itoa(mapID) + "-" + strconv.Itoa(attemptID)
}

// ChunkRange is an inclusive range of chunk indices within one replica.
type ChunkRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Len returns the number of chunks covered.
func (c ChunkRange) Len() int { return c.Last - c.First + 1 }

// StreamHandle is the opaque token a storage host returns for an opened
// replica. It is required before any chunk of that replica can be fetched.
type StreamHandle struct {
	StreamID  string `json:"stream_id"`
	NumChunks int    `json:"num_chunks"`
}
