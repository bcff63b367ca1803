package clustertest

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
	"pkg.jsn.cam/shufflefetch/pkg/storage"
)

const fileBucketPrefix = "file:"

// Fault makes a chunk fetch fail.
type Fault int

const (
	// FaultUnavailable answers 503.
	FaultUnavailable Fault = iota + 1
	// FaultCorrupt serves a frame with a wrong checksum.
	FaultCorrupt
	// FaultBadRequest answers 400, which the reader treats as fatal.
	FaultBadRequest
)

type openStream struct {
	file  string
	first int
	count int
}

// StorageHost is an in-process storage host serving chunk frames from a
// storage backend.
type StorageHost struct {
	Name string

	srv     *httptest.Server
	backend storage.Backend

	mu       sync.Mutex
	streams  map[string]openStream
	failOpen bool
	faults   map[string]Fault
	opens    int
	fetches  map[string]int
	closed   map[string]int
}

func newStorageHost(name string, backend storage.Backend) *StorageHost {
	h := &StorageHost{
		Name:    name,
		backend: backend,
		streams: make(map[string]openStream),
		faults:  make(map[string]Fault),
		fetches: make(map[string]int),
		closed:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/streams/open", httpx.Wrap(h.handleOpen))
	mux.HandleFunc("GET /api/streams/{streamID}/chunks/{index}", httpx.Wrap(h.handleChunk))
	mux.HandleFunc("POST /api/streams/{streamID}/close", httpx.Wrap(h.handleClose))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, protocol.HealthResponse{Status: "healthy"})
	})

	h.srv = httptest.NewServer(mux)
	return h
}

// Addr returns the host and port the host listens on.
func (h *StorageHost) Addr() (string, int) {
	u, _ := url.Parse(h.srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// StoreFile writes the chunk frames of a file.
func (h *StorageHost) StoreFile(name string, frames [][]byte) error {
	return h.backend.Batch([]byte(fileBucketPrefix+name), func(b storage.Bucket) error {
		for i, frame := range frames {
			if err := b.Put(storage.IndexKey(i), frame); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetFailOpen makes every open request fail with 500.
func (h *StorageHost) SetFailOpen(fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failOpen = fail
}

// InjectFault makes fetches of one chunk of file fail. Chunk indices are
// relative to the file.
func (h *StorageHost) InjectFault(file string, chunk int, f Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[faultKey(file, chunk)] = f
}

// InjectFileFault makes every chunk fetch of file fail.
func (h *StorageHost) InjectFileFault(file string, f Fault) {
	h.InjectFault(file, -1, f)
}

func faultKey(file string, chunk int) string {
	return file + "#" + strconv.Itoa(chunk)
}

// Opens returns how many open requests were received.
func (h *StorageHost) Opens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

// FetchesWithPrefix returns how many chunk fetches hit files starting with prefix.
func (h *StorageHost) FetchesWithPrefix(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sumPrefix(h.fetches, prefix)
}

// ClosesWithPrefix returns how many streams of files starting with prefix were closed.
func (h *StorageHost) ClosesWithPrefix(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sumPrefix(h.closed, prefix)
}

// OpenStreamsWithPrefix returns how many streams of files starting with
// prefix are still open.
func (h *StorageHost) OpenStreamsWithPrefix(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.streams {
		if strings.HasPrefix(s.file, prefix) {
			n++
		}
	}
	return n
}

func sumPrefix(counts map[string]int, prefix string) int {
	n := 0
	for file, c := range counts {
		if strings.HasPrefix(file, prefix) {
			n += c
		}
	}
	return n
}

func (h *StorageHost) handleOpen(w http.ResponseWriter, r *http.Request) error {
	var req protocol.OpenStreamRequest
	if err := httpx.DecodeBody(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return nil
	}

	h.mu.Lock()
	h.opens++
	failOpen := h.failOpen
	h.mu.Unlock()

	if failOpen {
		httpx.Error(w, http.StatusInternalServerError, "open rejected")
		return nil
	}

	results := make([]protocol.OpenStreamResult, len(req.Files))
	if ok, _ := protocol.IsCompatibleVersion(req.Version, protocol.ShuffleFetchVersion); !ok {
		for i := range results {
			results[i].Status = protocol.StatusIncompatibleVersion
		}
		httpx.JSON(w, http.StatusOK, protocol.OpenStreamResponse{Results: results})
		return nil
	}

	g, _ := errgroup.WithContext(r.Context())
	for i, f := range req.Files {
		g.Go(func() error {
			res, err := h.openFile(f)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	httpx.JSON(w, http.StatusOK, protocol.OpenStreamResponse{Results: results})
	return nil
}

func (h *StorageHost) openFile(f protocol.OpenStreamFile) (protocol.OpenStreamResult, error) {
	bucket := []byte(fileBucketPrefix + f.FileName)
	exists, err := h.backend.BucketExists(bucket)
	if err != nil {
		return protocol.OpenStreamResult{}, err
	}
	if !exists {
		return protocol.OpenStreamResult{Status: protocol.StatusFileNotFound}, nil
	}

	total := 0
	if err := h.backend.ForEach(bucket, func(_, _ []byte) error {
		total++
		return nil
	}); err != nil {
		return protocol.OpenStreamResult{}, err
	}

	s := openStream{file: f.FileName, count: total}
	if f.ChunkRange {
		if f.StartIndex < 0 || f.EndIndex >= total || f.StartIndex > f.EndIndex {
			return protocol.OpenStreamResult{Status: protocol.StatusPartitionUnavailable}, nil
		}
		s.first, s.count = f.StartIndex, f.EndIndex-f.StartIndex+1
	}

	id, err := shortid.Generate()
	if err != nil {
		return protocol.OpenStreamResult{}, fmt.Errorf("generate stream id: %w", err)
	}

	h.mu.Lock()
	h.streams[id] = s
	h.mu.Unlock()

	return protocol.OpenStreamResult{Status: protocol.StatusSuccess, StreamID: id, NumChunks: s.count}, nil
}

func (h *StorageHost) handleChunk(w http.ResponseWriter, r *http.Request) error {
	streamID := r.PathValue("streamID")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid chunk index")
		return nil
	}

	h.mu.Lock()
	s, ok := h.streams[streamID]
	if ok {
		h.fetches[s.file]++
	}
	fault := h.faults[faultKey(s.file, s.first+index)]
	if fault == 0 {
		fault = h.faults[faultKey(s.file, -1)]
	}
	h.mu.Unlock()

	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown stream")
		return nil
	}
	if index < 0 || index >= s.count {
		httpx.Error(w, http.StatusBadRequest, "chunk index out of range")
		return nil
	}

	switch fault {
	case FaultUnavailable:
		httpx.Error(w, http.StatusServiceUnavailable, "partition unavailable")
		return nil
	case FaultBadRequest:
		httpx.Error(w, http.StatusBadRequest, "rejected")
		return nil
	}

	frame, err := h.backend.Get([]byte(fileBucketPrefix+s.file), storage.IndexKey(s.first+index))
	if err != nil {
		return err
	}
	if frame == nil {
		httpx.Error(w, http.StatusNotFound, "chunk missing")
		return nil
	}
	if fault == FaultCorrupt {
		frame[0] ^= 0xff
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = w.Write(frame)
	return err
}

func (h *StorageHost) handleClose(w http.ResponseWriter, r *http.Request) error {
	streamID := r.PathValue("streamID")

	h.mu.Lock()
	s, ok := h.streams[streamID]
	if ok {
		delete(h.streams, streamID)
		h.closed[s.file]++
	}
	h.mu.Unlock()

	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown stream")
		return nil
	}
	log.Printf("[CLUSTER] %s closed stream %s (%s)", h.Name, streamID, s.file)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *StorageHost) close() {
	h.srv.Close()
	h.backend.Close()
}
