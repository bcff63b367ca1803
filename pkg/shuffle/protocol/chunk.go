package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v4"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// ChunkChecksumSize is the length of the checksum prefix of a chunk frame.
const ChunkChecksumSize = 8

// EncodeChunk frames a chunk payload for the wire: the xxhash64 of the
// payload followed by the lz4 compressed payload.
func EncodeChunk(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	var sum [ChunkChecksumSize]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Checksum64(payload))
	buf.Write(sum[:])

	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeChunk reverses EncodeChunk. Short frames and checksum mismatches
// both report shuffle.ErrChunkCorrupted.
func DecodeChunk(frame []byte) ([]byte, error) {
	if len(frame) < ChunkChecksumSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", shuffle.ErrChunkCorrupted, len(frame))
	}
	want := binary.BigEndian.Uint64(frame[:ChunkChecksumSize])

	payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(frame[ChunkChecksumSize:])))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shuffle.ErrChunkCorrupted, err)
	}
	if got := xxhash.Checksum64(payload); got != want {
		return nil, fmt.Errorf("%w: checksum %x, want %x", shuffle.ErrChunkCorrupted, got, want)
	}
	return payload, nil
}

// BatchHeaderSize is the length of the header that precedes every batch of
// records inside a chunk payload.
const BatchHeaderSize = 16

// BatchHeader identifies who wrote a batch and how long it is.
type BatchHeader struct {
	MapID     int32
	AttemptID int32
	BatchID   int32
	Size      int32
}

// Append encodes h onto b.
func (h BatchHeader) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(h.MapID))
	b = binary.BigEndian.AppendUint32(b, uint32(h.AttemptID))
	b = binary.BigEndian.AppendUint32(b, uint32(h.BatchID))
	return binary.BigEndian.AppendUint32(b, uint32(h.Size))
}

// ParseBatchHeader decodes the header at the start of b.
func ParseBatchHeader(b []byte) (BatchHeader, error) {
	if len(b) < BatchHeaderSize {
		return BatchHeader{}, fmt.Errorf("%w: batch header of %d bytes", shuffle.ErrChunkCorrupted, len(b))
	}
	h := BatchHeader{
		MapID:     int32(binary.BigEndian.Uint32(b[0:4])),
		AttemptID: int32(binary.BigEndian.Uint32(b[4:8])),
		BatchID:   int32(binary.BigEndian.Uint32(b[8:12])),
		Size:      int32(binary.BigEndian.Uint32(b[12:16])),
	}
	if h.Size < 0 {
		return BatchHeader{}, fmt.Errorf("%w: negative batch size %d", shuffle.ErrChunkCorrupted, h.Size)
	}
	return h, nil
}
