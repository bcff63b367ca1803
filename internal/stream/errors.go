package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// Kind classifies a fetch error as retryable at stage level or not.
type Kind int

const (
	// KindTransient errors may be converted into a stage-level fetch failure.
	KindTransient Kind = iota + 1
	// KindFatal errors always propagate unchanged.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchError is an error raised while reading one partition.
type FetchError struct {
	Kind      Kind
	Partition int
	Cause     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch error on partition %d: %v", e.Kind, e.Partition, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Transient reports whether e may be escalated to a stage retry.
func (e *FetchError) Transient() bool { return e.Kind == KindTransient }

// transientCauses are conditions a different replica or a rerun of the
// producing stage can fix.
var transientCauses = []error{
	shuffle.ErrPartitionUnavailable,
	shuffle.ErrNoStreamHandle,
	shuffle.ErrChunkCorrupted,
	shuffle.ErrStreamNotFound,
	io.ErrUnexpectedEOF,
	context.DeadlineExceeded,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
}

// Classify decides the kind of any error. Cancellation is always fatal.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	for _, cause := range transientCauses {
		if errors.Is(err, cause) {
			return KindTransient
		}
	}

	var se *httpx.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return KindTransient
		}
		return KindFatal
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindFatal
}

// Wrap attaches a partition and a kind to err. A *FetchError is returned
// unchanged.
func Wrap(partition int, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: Classify(err), Partition: partition, Cause: err}
}

// AttemptState holds the first error of one read invocation. Once set it is
// never replaced or cleared.
type AttemptState struct {
	first atomic.Pointer[FetchError]
}

// Record stores err if no error was recorded yet and returns the error
// that won.
func (s *AttemptState) Record(err *FetchError) *FetchError {
	if s.first.CompareAndSwap(nil, err) {
		return err
	}
	return s.first.Load()
}

// Err returns the recorded error, or nil.
func (s *AttemptState) Err() error {
	if fe := s.first.Load(); fe != nil {
		return fe
	}
	return nil
}
