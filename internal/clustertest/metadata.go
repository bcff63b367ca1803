package clustertest

import (
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// MetadataService is an in-process location metadata service.
type MetadataService struct {
	srv *httptest.Server

	mu         sync.RWMutex
	fileGroups map[int]*shuffle.FileGroup
	escalate   bool
	down       bool

	resolves atomic.Int32
	reports  atomic.Int32
}

func newMetadataService() *MetadataService {
	m := &MetadataService{fileGroups: make(map[int]*shuffle.FileGroup)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/shuffles/{shuffleID}/filegroup", httpx.Wrap(m.handleFileGroup))
	mux.HandleFunc("POST /api/shuffles/{shuffleID}/fetch-failure", httpx.Wrap(m.handleFetchFailure))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, protocol.HealthResponse{Status: "healthy"})
	})

	m.srv = httptest.NewServer(mux)
	return m
}

// URL is the base URL clients connect to.
func (m *MetadataService) URL() string { return m.srv.URL }

// Register publishes a file group.
func (m *MetadataService) Register(fg *shuffle.FileGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileGroups[fg.ShuffleID] = fg
}

// SetEscalate decides the answer to every fetch failure report.
func (m *MetadataService) SetEscalate(escalate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalate = escalate
}

// SetDown makes every request fail with 503.
func (m *MetadataService) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Resolves returns how many file group lookups were served.
func (m *MetadataService) Resolves() int { return int(m.resolves.Load()) }

// Reports returns how many fetch failures were reported.
func (m *MetadataService) Reports() int { return int(m.reports.Load()) }

func (m *MetadataService) isDown(w http.ResponseWriter) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		httpx.Error(w, http.StatusServiceUnavailable, "metadata service down")
	}
	return m.down
}

func (m *MetadataService) handleFileGroup(w http.ResponseWriter, r *http.Request) error {
	m.resolves.Add(1)
	if m.isDown(w) {
		return nil
	}

	id, err := strconv.Atoi(r.PathValue("shuffleID"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid shuffle id")
		return nil
	}

	m.mu.RLock()
	fg, ok := m.fileGroups[id]
	m.mu.RUnlock()
	if !ok {
		httpx.JSON(w, http.StatusNotFound, protocol.FileGroupResponse{Error: "unknown shuffle"})
		return nil
	}

	httpx.JSON(w, http.StatusOK, protocol.FileGroupResponse{FileGroup: fg})
	return nil
}

func (m *MetadataService) handleFetchFailure(w http.ResponseWriter, r *http.Request) error {
	m.reports.Add(1)
	if m.isDown(w) {
		return nil
	}

	var req protocol.FetchFailureRequest
	if err := httpx.DecodeBody(r, &req); err != nil {
		return err
	}

	m.mu.RLock()
	escalate := m.escalate
	m.mu.RUnlock()

	log.Printf("[CLUSTER] Fetch failure reported for shuffle %d (app shuffle %d), escalate=%v",
		req.ShuffleID, req.AppShuffleID, escalate)
	httpx.JSON(w, http.StatusOK, protocol.FetchFailureResponse{Escalate: escalate})
	return nil
}

func (m *MetadataService) close() { m.srv.Close() }
