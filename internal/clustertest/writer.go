package clustertest

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"pkg.jsn.cam/shufflefetch/internal/codec"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// PartitionKey computes the partition for a key using FNV-1a hash
func PartitionKey(key string, numPartitions int) int {
	h := fnv.New32a()
	h.Write([]byte(key))

	return int(h.Sum32() % uint32(numPartitions))
}

// MapOutput is what one attempt of a mapper produced.
type MapOutput struct {
	MapID     int
	AttemptID int
	Records   []shuffle.KeyValue
}

// WriteSpec describes how a shuffle is laid out.
type WriteSpec struct {
	ShuffleID     int
	NumPartitions int
	// Splits is the number of files per partition. Defaults to 1.
	Splits int
	// Replicas is the number of mirror copies of every file. Defaults to 1.
	Replicas int
	// BatchSize is the number of records per batch. Defaults to 4.
	BatchSize int
	// ChunkSize is the payload size at which a chunk is cut. Defaults to 128.
	ChunkSize int
	// Committed overrides the committed attempt of a mapper. By default the
	// last output of a mapper wins.
	Committed map[int]int
	// FailedBatches is published as is and its batches are left out of the
	// expected output.
	FailedBatches map[string][]int
}

// Written is the result of a write.
type Written struct {
	FileGroup *shuffle.FileGroup
	expected  map[int][]shuffle.KeyValue
}

// Partition returns the records a reader must see for p, in read order.
func (w *Written) Partition(p int) []shuffle.KeyValue {
	return w.expected[p]
}

// Range returns the records of [start, end) in partition order.
func (w *Written) Range(start, end int) []shuffle.KeyValue {
	var out []shuffle.KeyValue
	for p := start; p < end; p++ {
		out = append(out, w.expected[p]...)
	}
	return out
}

type pendingBatch struct {
	header  protocol.BatchHeader
	records []shuffle.KeyValue
	keep    bool
}

// Write hash-partitions the outputs, frames them into batches and chunks,
// stores every file on the hosts and registers the file group.
func (c *Cluster) Write(spec WriteSpec, outputs []MapOutput) (*Written, error) {
	if spec.NumPartitions <= 0 {
		return nil, fmt.Errorf("write: %d partitions", spec.NumPartitions)
	}
	if len(c.Hosts) == 0 {
		return nil, fmt.Errorf("write: cluster has no hosts")
	}
	spec = withDefaults(spec)

	numMappers := 0
	committed := make(map[int]int)
	for _, out := range outputs {
		numMappers = max(numMappers, out.MapID+1)
		committed[out.MapID] = out.AttemptID
	}
	for m, a := range spec.Committed {
		committed[m] = a
	}
	attempts := make([]int, numMappers)
	for m := range attempts {
		a, ok := committed[m]
		if !ok {
			a = -1
		}
		attempts[m] = a
	}

	fg := &shuffle.FileGroup{
		ShuffleID:     spec.ShuffleID,
		Partitions:    make(map[int][]shuffle.ReplicaLocation),
		MapAttempts:   attempts,
		FailedBatches: spec.FailedBatches,
		NumMappers:    numMappers,
	}
	w := &Written{FileGroup: fg, expected: make(map[int][]shuffle.KeyValue)}

	batches := make(map[int][]pendingBatch)
	for _, out := range outputs {
		byPartition := make(map[int][]shuffle.KeyValue)
		for _, kv := range out.Records {
			p := PartitionKey(kv.Key, spec.NumPartitions)
			byPartition[p] = append(byPartition[p], kv)
		}
		for p := 0; p < spec.NumPartitions; p++ {
			records := byPartition[p]
			for id := 0; len(records) > 0; id++ {
				n := min(spec.BatchSize, len(records))
				h := protocol.BatchHeader{MapID: int32(out.MapID), AttemptID: int32(out.AttemptID), BatchID: int32(id)}
				keep := committed[out.MapID] == out.AttemptID && !fg.IsFailedBatch(out.MapID, out.AttemptID, id)
				batches[p] = append(batches[p], pendingBatch{header: h, records: records[:n], keep: keep})
				records = records[n:]
			}
		}
	}

	for p := 0; p < spec.NumPartitions; p++ {
		pb := batches[p]
		if len(pb) == 0 {
			continue
		}
		for _, b := range pb {
			if b.keep {
				w.expected[p] = append(w.expected[p], b.records...)
			}
		}

		for split := 0; split < spec.Splits; split++ {
			lo, hi := split*len(pb)/spec.Splits, (split+1)*len(pb)/spec.Splits
			if lo == hi {
				continue
			}
			name := fmt.Sprintf("%s%d", PartitionPrefix(spec.ShuffleID, p), split)
			frames, meta, err := encodeFile(pb[lo:hi], spec.ChunkSize)
			if err != nil {
				return nil, err
			}

			for r := 0; r < spec.Replicas; r++ {
				host := c.Hosts[(p*spec.Splits+split+r)%len(c.Hosts)]
				if err := host.StoreFile(name, frames); err != nil {
					return nil, fmt.Errorf("store %s on %s: %w", name, host.Name, err)
				}
				addr, port := host.Addr()
				fg.Partitions[p] = append(fg.Partitions[p], shuffle.ReplicaLocation{
					Host:     addr,
					Port:     port,
					FileName: name,
					UniqueID: fmt.Sprintf("%s@r%d", name, r),
					Meta:     meta,
				})
			}
		}
	}

	c.Meta.Register(fg)
	return w, nil
}

func withDefaults(spec WriteSpec) WriteSpec {
	if spec.Splits <= 0 {
		spec.Splits = 1
	}
	if spec.Replicas <= 0 {
		spec.Replicas = 1
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = 4
	}
	if spec.ChunkSize <= 0 {
		spec.ChunkSize = 128
	}
	return spec
}

// encodeFile serializes batches and cuts them into chunk frames at batch
// boundaries.
func encodeFile(batches []pendingBatch, chunkSize int) ([][]byte, shuffle.StorageMeta, error) {
	var (
		frames  [][]byte
		meta    shuffle.StorageMeta
		payload []byte
	)
	flush := func() error {
		if len(payload) == 0 {
			return nil
		}
		frame, err := protocol.EncodeChunk(payload)
		if err != nil {
			return err
		}
		meta.ChunkOffsets = append(meta.ChunkOffsets, meta.FileSize)
		meta.FileSize += int64(len(payload))
		frames = append(frames, frame)
		payload = nil
		return nil
	}

	for _, b := range batches {
		var body bytes.Buffer
		enc := codec.MsgpSerializer{}.NewEncoder(&body)
		for _, kv := range b.records {
			if err := enc.Encode(kv); err != nil {
				return nil, meta, err
			}
		}
		if err := enc.Flush(); err != nil {
			return nil, meta, err
		}

		h := b.header
		h.Size = int32(body.Len())
		payload = h.Append(payload)
		payload = append(payload, body.Bytes()...)

		if len(payload) >= chunkSize {
			if err := flush(); err != nil {
				return nil, meta, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, meta, err
	}
	return frames, meta, nil
}

// Records generates n records for a mapper with keys spread over keySpace keys.
func Records(mapID, n, keySpace int) []shuffle.KeyValue {
	out := make([]shuffle.KeyValue, n)
	for i := range out {
		out[i] = shuffle.KeyValue{
			Key:   fmt.Sprintf("key-%03d", (mapID*7+i)%keySpace),
			Value: fmt.Sprintf("m%d-%d", mapID, i),
		}
	}
	return out
}
