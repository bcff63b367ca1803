package protocol

import (
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// StatusCode is the per-file result of an open-stream request.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusFileNotFound
	StatusPartitionUnavailable
	StatusIncompatibleVersion
	StatusInternalError
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFileNotFound:
		return "file_not_found"
	case StatusPartitionUnavailable:
		return "partition_unavailable"
	case StatusIncompatibleVersion:
		return "incompatible_version"
	case StatusInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// FileGroupResponse is returned by the metadata service for a shuffle id
type FileGroupResponse struct {
	FileGroup *shuffle.FileGroup `json:"file_group,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// FetchFailureRequest asks the metadata service whether a fetch failure
// should be escalated to a stage rerun
type FetchFailureRequest struct {
	AppShuffleID int `json:"app_shuffle_id"`
	ShuffleID    int `json:"shuffle_id"`
}

// FetchFailureResponse carries the metadata service's decision
type FetchFailureResponse struct {
	Escalate bool `json:"escalate"`
}

// OpenStreamFile is one replica inside a batched open request.
//
// For skew reads StartIndex/EndIndex carry the inclusive chunk range,
// otherwise the half-open map-index range.
type OpenStreamFile struct {
	FileName        string `json:"file_name"`
	StartIndex      int    `json:"start_index"`
	EndIndex        int    `json:"end_index"`
	PreferLocalRead bool   `json:"prefer_local_read"`
	ChunkRange      bool   `json:"chunk_range,omitempty"`
}

// OpenStreamRequest opens streams for every listed file on one host
type OpenStreamRequest struct {
	ShuffleKey string           `json:"shuffle_key"`
	Version    string           `json:"version"`
	Files      []OpenStreamFile `json:"files"`
}

// OpenStreamResult is the per-file answer, in request order
type OpenStreamResult struct {
	Status    StatusCode `json:"status"`
	StreamID  string     `json:"stream_id,omitempty"`
	NumChunks int        `json:"num_chunks,omitempty"`
}

// OK reports whether the result carries a usable handle.
func (r OpenStreamResult) OK() bool {
	return r.Status == StatusSuccess && r.StreamID != ""
}

// Handle converts a successful result to a stream handle.
func (r OpenStreamResult) Handle() shuffle.StreamHandle {
	return shuffle.StreamHandle{StreamID: r.StreamID, NumChunks: r.NumChunks}
}

// OpenStreamResponse lists one result per requested file
type OpenStreamResponse struct {
	Results []OpenStreamResult `json:"results"`
	Error   string             `json:"error,omitempty"`
}

// HealthResponse indicates node health
type HealthResponse struct {
	Status string `json:"status"`
}
