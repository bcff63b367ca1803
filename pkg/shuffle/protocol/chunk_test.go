package protocol

import (
	"bytes"
	"errors"
	"testing"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

func TestChunkFrame(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("shuffle-data-"), 500)

	frame, err := EncodeChunk(payload)
	if err != nil {
		t.Fatalf("EncodeChunk() error = %v", err)
	}

	got, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("DecodeChunk() returned different payload")
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "short frame", frame: frame[:4]},
		{name: "flipped checksum", frame: append([]byte{frame[0] ^ 0xff}, frame[1:]...)},
		{name: "truncated body", frame: frame[:len(frame)/2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeChunk(tt.frame); !errors.Is(err, shuffle.ErrChunkCorrupted) {
				t.Errorf("DecodeChunk() = %v, want ErrChunkCorrupted", err)
			}
		})
	}
}

func TestBatchHeader(t *testing.T) {
	t.Parallel()

	h := BatchHeader{MapID: 3, AttemptID: 1, BatchID: 42, Size: 1024}
	b := h.Append(nil)
	if len(b) != BatchHeaderSize {
		t.Fatalf("encoded header is %d bytes, want %d", len(b), BatchHeaderSize)
	}

	got, err := ParseBatchHeader(b)
	if err != nil {
		t.Fatalf("ParseBatchHeader() error = %v", err)
	}
	if got != h {
		t.Errorf("ParseBatchHeader() = %+v, want %+v", got, h)
	}

	if _, err := ParseBatchHeader(b[:10]); !errors.Is(err, shuffle.ErrChunkCorrupted) {
		t.Errorf("short header error = %v, want ErrChunkCorrupted", err)
	}
}
