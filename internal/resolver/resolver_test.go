package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

type fakeMetadata struct {
	resolves atomic.Int32
	reports  atomic.Int32
	escalate bool
	host     string
}

func (f *fakeMetadata) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/shuffles/{shuffleID}/filegroup", func(w http.ResponseWriter, r *http.Request) {
		f.resolves.Add(1)
		id, _ := strconv.Atoi(r.PathValue("shuffleID"))
		if id != 7 {
			httpx.Error(w, http.StatusNotFound, "unknown shuffle")
			return
		}
		host := f.host
		if host == "" {
			host = "10.0.0.1"
		}
		httpx.JSON(w, http.StatusOK, protocol.FileGroupResponse{FileGroup: &shuffle.FileGroup{
			ShuffleID:  7,
			NumMappers: 1,
			Partitions: map[int][]shuffle.ReplicaLocation{
				0: {{Host: host, Port: 9000, FileName: "p0", UniqueID: "p0-a"}},
			},
		}})
	})
	mux.HandleFunc("POST /api/shuffles/{shuffleID}/fetch-failure", func(w http.ResponseWriter, r *http.Request) {
		f.reports.Add(1)
		var req protocol.FetchFailureRequest
		if err := httpx.DecodeBody(r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, protocol.FetchFailureResponse{Escalate: f.escalate && req.AppShuffleID == 1})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_CachesFileGroups(t *testing.T) {
	t.Parallel()

	meta := &fakeMetadata{}
	srv := meta.server(t)

	r, err := Open(NewHTTPMetadataClient(srv.URL, 5*time.Second), "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		fg, err := r.Resolve(ctx, "app-1", 7)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got := fg.Locations(0); len(got) != 1 || got[0].UniqueID != "p0-a" {
			t.Fatalf("Locations(0) = %+v", got)
		}
	}
	if got := meta.resolves.Load(); got != 1 {
		t.Errorf("metadata service called %d times, want 1", got)
	}

	if err := r.Invalidate("app-1", 7); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := r.Resolve(ctx, "app-1", 7); err != nil {
		t.Fatalf("Resolve() after invalidate error = %v", err)
	}
	if got := meta.resolves.Load(); got != 2 {
		t.Errorf("metadata service called %d times after invalidate, want 2", got)
	}
}

func TestResolver_PersistentCache(t *testing.T) {
	t.Parallel()

	meta := &fakeMetadata{}
	srv := meta.server(t)
	path := filepath.Join(t.TempDir(), "locations.db")
	client := NewHTTPMetadataClient(srv.URL, 5*time.Second)

	r, err := Open(client, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "app-1", 7); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	r.Close()

	r, err = Open(client, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer r.Close()
	if _, err := r.Resolve(context.Background(), "app-1", 7); err != nil {
		t.Fatalf("Resolve() after reopen error = %v", err)
	}
	if got := meta.resolves.Load(); got != 1 {
		t.Errorf("metadata service called %d times, want 1", got)
	}
}

func TestResolver_PersistentCacheScopedByApplication(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locations.db")
	first := &fakeMetadata{host: "app1-host"}
	second := &fakeMetadata{host: "app2-host"}

	r, err := Open(NewHTTPMetadataClient(first.server(t).URL, 5*time.Second), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "app-1", 7); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	r.Close()

	r, err = Open(NewHTTPMetadataClient(second.server(t).URL, 5*time.Second), path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer r.Close()

	tests := []struct {
		shuffleKey string
		wantHost   string
	}{
		{"app-2", "app2-host"},
		{"app-1", "app1-host"},
	}
	for _, tt := range tests {
		fg, err := r.Resolve(context.Background(), tt.shuffleKey, 7)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", tt.shuffleKey, err)
		}
		if got := fg.Locations(0)[0].Host; got != tt.wantHost {
			t.Errorf("Resolve(%s) host = %q, want %q", tt.shuffleKey, got, tt.wantHost)
		}
	}
	if got := second.resolves.Load(); got != 1 {
		t.Errorf("second metadata service called %d times, want 1", got)
	}

	if err := r.Invalidate("app-2", 7); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "app-1", 7); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := second.resolves.Load(); got != 1 {
		t.Errorf("invalidating app-2 dropped app-1's entry: %d resolves", got)
	}
}

func TestHTTPMetadataClient_Errors(t *testing.T) {
	t.Parallel()

	meta := &fakeMetadata{}
	srv := meta.server(t)
	client := NewHTTPMetadataClient(srv.URL, 5*time.Second)

	if _, err := client.ResolveFileGroup(context.Background(), 99); !errors.Is(err, shuffle.ErrShuffleNotFound) {
		t.Errorf("ResolveFileGroup(99) = %v, want ErrShuffleNotFound", err)
	}

	down := NewHTTPMetadataClient("http://127.0.0.1:1", time.Second)
	if _, err := down.ResolveFileGroup(context.Background(), 7); !errors.Is(err, shuffle.ErrMetadataUnreachable) {
		t.Errorf("ResolveFileGroup() on closed port = %v, want ErrMetadataUnreachable", err)
	}
}

func TestHTTPMetadataClient_ReportFetchFailure(t *testing.T) {
	t.Parallel()

	meta := &fakeMetadata{escalate: true}
	srv := meta.server(t)
	client := NewHTTPMetadataClient(srv.URL, 5*time.Second)

	tests := []struct {
		name         string
		appShuffleID int
		want         bool
	}{
		{"escalated", 1, true},
		{"declined", 2, false},
	}
	for _, tt := range tests {
		got, err := client.ReportFetchFailure(context.Background(), tt.appShuffleID, 7)
		if err != nil {
			t.Fatalf("%s: ReportFetchFailure() error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: ReportFetchFailure() = %v, want %v", tt.name, got, tt.want)
		}
	}
	if meta.reports.Load() != 2 {
		t.Errorf("reports = %d, want 2", meta.reports.Load())
	}
}

func TestLocations(t *testing.T) {
	t.Parallel()

	fg := &shuffle.FileGroup{
		NumMappers: 2,
		Partitions: map[int][]shuffle.ReplicaLocation{
			3: {{UniqueID: "a"}, {UniqueID: "b"}, {UniqueID: "c"}},
		},
	}

	normal := shuffle.PartitionRange{StartPartition: 3, EndPartition: 4, StartMapIndex: 0, EndMapIndex: 2}
	if got := Locations(fg, 3, normal, nil); len(got) != 3 {
		t.Errorf("normal read got %d locations, want 3", len(got))
	}

	skewed := shuffle.PartitionRange{StartPartition: 3, EndPartition: 4, StartMapIndex: 2, EndMapIndex: 1}
	got := Locations(fg, 3, skewed, map[string]shuffle.ChunkRange{"b": {First: 0, Last: 1}})
	if len(got) != 1 || got[0].UniqueID != "b" {
		t.Errorf("skew read got %+v, want only b", got)
	}

	if got := Locations(fg, 4, normal, nil); len(got) != 0 {
		t.Errorf("missing partition got %+v, want none", got)
	}
}
