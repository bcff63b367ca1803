package skew

import (
	"fmt"
	"maps"
	"math/rand"
	"testing"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

func replica(id, file string, size int64, offsets ...int64) shuffle.ReplicaLocation {
	return shuffle.ReplicaLocation{
		Host:     "host-" + id,
		Port:     9000,
		FileName: file,
		UniqueID: id,
		Meta:     shuffle.StorageMeta{FileSize: size, ChunkOffsets: offsets},
	}
}

// threeReplicas is a 100/200/300 byte partition spread over three files.
func threeReplicas() []shuffle.ReplicaLocation {
	return []shuffle.ReplicaLocation{
		replica("r1", "f1", 100, 0, 50),
		replica("r2", "f2", 200, 0, 100),
		replica("r3", "f3", 300, 0, 100, 200),
	}
}

func TestSplit_TwoWay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		index int
		want  map[string]shuffle.ChunkRange
	}{
		{
			index: 0,
			want: map[string]shuffle.ChunkRange{
				"r1": {First: 0, Last: 1},
				"r2": {First: 0, Last: 1},
			},
		},
		{
			index: 1,
			want: map[string]shuffle.ChunkRange{
				"r3": {First: 0, Last: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("index=%d", tt.index), func(t *testing.T) {
			t.Parallel()
			got := Split(threeReplicas(), 2, tt.index)
			if !maps.Equal(got, tt.want) {
				t.Errorf("Split(2, %d) = %v, want %v", tt.index, got, tt.want)
			}
		})
	}
}

func TestSplit_WholePartition(t *testing.T) {
	t.Parallel()

	replicas := threeReplicas()
	got := Split(replicas, 1, 0)

	for _, r := range replicas {
		rng, ok := got[r.UniqueID]
		if !ok {
			t.Fatalf("replica %s missing from single split", r.UniqueID)
		}
		if rng.First != 0 || rng.Last != r.Meta.NumChunks()-1 {
			t.Errorf("replica %s range = %+v, want all %d chunks", r.UniqueID, rng, r.Meta.NumChunks())
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	t.Parallel()

	replicas := threeReplicas()
	want := Split(replicas, 3, 1)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]shuffle.ReplicaLocation(nil), replicas...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := Split(shuffled, 3, 1); !maps.Equal(got, want) {
			t.Fatalf("Split() on permutation %d = %v, want %v", i, got, want)
		}
	}
}

func TestSplit_EveryChunkExactlyOnce(t *testing.T) {
	t.Parallel()

	replicas := []shuffle.ReplicaLocation{
		replica("a", "fa", 1000, 0, 120, 260, 500, 730, 900),
		replica("b", "fb", 10, 0),
		replica("c", "fc", 640, 0, 64, 128, 192, 256, 320, 384, 448, 512, 576),
		replica("d", "fd", 333, 0, 111, 222),
	}

	for count := 1; count <= 8; count++ {
		seen := make(map[string]int)
		for index := 0; index < count; index++ {
			for id, rng := range Split(replicas, count, index) {
				if rng.First > rng.Last {
					t.Fatalf("count=%d index=%d: inverted range %+v for %s", count, index, rng, id)
				}
				for c := rng.First; c <= rng.Last; c++ {
					seen[fmt.Sprintf("%s/%d", id, c)]++
				}
			}
		}
		for _, r := range replicas {
			for c := range r.Meta.ChunkOffsets {
				key := fmt.Sprintf("%s/%d", r.UniqueID, c)
				if seen[key] != 1 {
					t.Errorf("count=%d: chunk %s read %d times, want 1", count, key, seen[key])
				}
			}
		}
	}
}

func TestSplit_MirrorsCountedOnce(t *testing.T) {
	t.Parallel()

	replicas := []shuffle.ReplicaLocation{
		replica("p0-a", "part-0", 100, 0, 50),
		replica("p0-b", "part-0", 100, 0, 50),
		replica("p1-a", "part-1", 100, 0, 50),
	}

	got := Split(replicas, 2, 0)
	want := map[string]shuffle.ChunkRange{
		"p0-a": {First: 0, Last: 1},
		"p0-b": {First: 0, Last: 1},
	}
	if !maps.Equal(got, want) {
		t.Errorf("Split() = %v, want %v", got, want)
	}
}

func TestSplit_InvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		count, index int
	}{
		{"zero count", 0, 0},
		{"negative index", 2, -1},
		{"index past count", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Split(threeReplicas(), tt.count, tt.index); len(got) != 0 {
				t.Errorf("Split() = %v, want empty", got)
			}
		})
	}

	if got := Split(nil, 1, 0); len(got) != 0 {
		t.Errorf("Split(nil) = %v, want empty", got)
	}
}
