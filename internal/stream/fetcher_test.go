package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

func TestHTTPChunkFetcher(t *testing.T) {
	t.Parallel()

	payload := []byte("chunk payload")
	frame, err := protocol.EncodeChunk(payload)
	if err != nil {
		t.Fatal(err)
	}

	closed := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams/{streamID}/chunks/{index}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("streamID") {
		case "good":
			w.Write(frame)
		case "corrupt":
			bad := bytes.Clone(frame)
			bad[0] ^= 0xff
			w.Write(bad)
		case "busy":
			http.Error(w, "draining", http.StatusServiceUnavailable)
		case "broken":
			http.Error(w, "bad index", http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("POST /api/streams/{streamID}/close", func(w http.ResponseWriter, r *http.Request) {
		closed <- r.PathValue("streamID")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	f := NewHTTPChunkFetcher(nil)
	ctx := context.Background()

	got, err := f.FetchChunk(ctx, endpoint, "good", 0)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("FetchChunk(good) = %q, %v", got, err)
	}

	tests := []struct {
		stream string
		want   error
		kind   Kind
	}{
		{"corrupt", shuffle.ErrChunkCorrupted, KindTransient},
		{"busy", shuffle.ErrPartitionUnavailable, KindTransient},
		{"gone", shuffle.ErrStreamNotFound, KindTransient},
		{"broken", shuffle.ErrFetchChunkFailed, KindFatal},
	}
	for _, tt := range tests {
		_, err := f.FetchChunk(ctx, endpoint, tt.stream, 0)
		if !errors.Is(err, tt.want) {
			t.Errorf("FetchChunk(%s) = %v, want %v", tt.stream, err, tt.want)
		}
		if got := Classify(err); got != tt.kind {
			t.Errorf("Classify(FetchChunk(%s)) = %v, want %v", tt.stream, got, tt.kind)
		}
	}

	if err := f.CloseStream(ctx, endpoint, "good"); err != nil {
		t.Fatalf("CloseStream() error = %v", err)
	}
	if got := <-closed; got != "good" {
		t.Errorf("closed %q, want good", got)
	}
}
