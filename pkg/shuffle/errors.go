package shuffle

import "errors"

// Sentinel errors for common error conditions
var (
	// Range/metadata errors
	ErrInvalidRange    = errors.New("invalid partition range")
	ErrShuffleNotFound = errors.New("shuffle not found")
	ErrNoReplicas      = errors.New("no replicas for partition")

	// Stream errors
	ErrNoStreamHandle       = errors.New("no stream handle available")
	ErrPartitionUnavailable = errors.New("partition unavailable")
	ErrChunkCorrupted       = errors.New("chunk checksum mismatch")
	ErrStreamNotFound       = errors.New("stream not found")

	// Version/compatibility errors
	ErrIncompatibleVersion = errors.New("incompatible version")

	// HTTP/Network errors
	ErrMetadataUnreachable = errors.New("metadata service unreachable")
	ErrResolveFailed       = errors.New("resolve file group failed")
	ErrReportFailed        = errors.New("report fetch failure failed")
	ErrOpenStreamFailed    = errors.New("open stream failed")
	ErrFetchChunkFailed    = errors.New("fetch chunk failed")
)
