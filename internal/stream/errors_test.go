package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"partition unavailable", shuffle.ErrPartitionUnavailable, KindTransient},
		{"no handle wrapped", fmt.Errorf("open: %w", shuffle.ErrNoStreamHandle), KindTransient},
		{"corrupted chunk", shuffle.ErrChunkCorrupted, KindTransient},
		{"unexpected eof", io.ErrUnexpectedEOF, KindTransient},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"server error", &httpx.StatusError{Code: 502}, KindTransient},
		{"client error", &httpx.StatusError{Code: 400}, KindFatal},
		{"cancelled", context.Canceled, KindFatal},
		{"cancelled inside net error", &net.OpError{Op: "dial", Err: context.Canceled}, KindFatal},
		{"plain error", errors.New("bad serializer"), KindFatal},
		{"already classified", &FetchError{Kind: KindTransient, Cause: errors.New("x")}, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	fe := Wrap(3, shuffle.ErrPartitionUnavailable)
	if fe.Partition != 3 || !fe.Transient() {
		t.Errorf("Wrap() = %+v", fe)
	}
	if !errors.Is(fe, shuffle.ErrPartitionUnavailable) {
		t.Error("wrapped error lost its cause")
	}
	if again := Wrap(9, fe); again != fe {
		t.Error("Wrap() re-wrapped a FetchError")
	}
}

func TestAttemptState_FirstErrorWins(t *testing.T) {
	t.Parallel()

	var state AttemptState
	if state.Err() != nil {
		t.Fatal("new state has an error")
	}

	errs := make([]*FetchError, 50)
	for i := range errs {
		errs[i] = &FetchError{Kind: KindFatal, Partition: i, Cause: fmt.Errorf("cause %d", i)}
	}

	winners := make([]*FetchError, len(errs))
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i] = state.Record(errs[i])
		}(i)
	}
	wg.Wait()

	first := state.Err()
	for i, w := range winners {
		if error(w) != first {
			t.Fatalf("Record() #%d returned %v, want %v", i, w, first)
		}
	}
	state.Record(&FetchError{Kind: KindFatal, Cause: errors.New("late")})
	if state.Err() != first {
		t.Error("state was overwritten")
	}
}
