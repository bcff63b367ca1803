package shuffle

import (
	"errors"
	"slices"
	"testing"
)

func TestPartitionRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rng       PartitionRange
		skew      bool
		wantErr   bool
		contains0 bool
	}{
		{"normal", PartitionRange{0, 3, 0, 5}, false, false, true},
		{"map filter", PartitionRange{0, 3, 2, 5}, false, false, false},
		{"skew", PartitionRange{4, 5, 3, 1}, true, false, true},
		{"inverted partitions", PartitionRange{3, 1, 0, 1}, false, true, true},
		{"negative skew index", PartitionRange{0, 1, 2, -1}, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rng.IsSkewRead(); got != tt.skew {
				t.Errorf("IsSkewRead() = %v, want %v", got, tt.skew)
			}
			err := tt.rng.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRange) {
				t.Errorf("Validate() = %v, want ErrInvalidRange", err)
			}
			if got := tt.rng.ContainsMap(0); got != tt.contains0 {
				t.Errorf("ContainsMap(0) = %v, want %v", got, tt.contains0)
			}
		})
	}

	skew := PartitionRange{4, 5, 3, 1}
	if skew.SubPartitionCount() != 3 || skew.SubPartitionIndex() != 1 {
		t.Errorf("sub-partition = (%d, %d), want (3, 1)", skew.SubPartitionCount(), skew.SubPartitionIndex())
	}
	if got := (PartitionRange{2, 5, 0, 1}).Partitions(); !slices.Equal(got, []int{2, 3, 4}) {
		t.Errorf("Partitions() = %v", got)
	}
}

func TestFileGroup(t *testing.T) {
	t.Parallel()

	fg := &FileGroup{
		MapAttempts:   []int{0, 2},
		FailedBatches: map[string][]int{BatchKey(1, 2): {4}},
	}
	if fg.CommittedAttempt(1) != 2 || fg.CommittedAttempt(5) != -1 {
		t.Error("CommittedAttempt() mismatch")
	}
	if !fg.IsFailedBatch(1, 2, 4) || fg.IsFailedBatch(1, 2, 5) {
		t.Error("IsFailedBatch() mismatch")
	}

	var nilGroup *FileGroup
	if nilGroup.Locations(0) != nil || nilGroup.CommittedAttempt(0) != -1 {
		t.Error("nil file group not handled")
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	kvs := []KeyValue{{"a", "1"}, {"b", "2"}}
	got, err := Collect(NewSliceIterator(kvs))
	if err != nil || !slices.Equal(got, kvs) {
		t.Errorf("Collect() = %v, %v", got, err)
	}

	if got, _ := Collect(NewSliceIterator(nil)); len(got) != 0 {
		t.Errorf("Collect(empty) = %v", got)
	}
}
