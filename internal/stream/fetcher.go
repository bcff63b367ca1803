package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// ChunkFetcher reads chunks of opened streams from storage hosts.
type ChunkFetcher interface {
	// FetchChunk returns the verified, decompressed payload of chunk index
	// of the stream.
	FetchChunk(ctx context.Context, endpoint, streamID string, index int) ([]byte, error)
	CloseStream(ctx context.Context, endpoint, streamID string) error
}

// HTTPChunkFetcher implements ChunkFetcher over HTTP.
type HTTPChunkFetcher struct {
	http *http.Client
}

// NewHTTPChunkFetcher creates a fetcher. A nil client uses a default one.
func NewHTTPChunkFetcher(client *http.Client) *HTTPChunkFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChunkFetcher{http: client}
}

func (f *HTTPChunkFetcher) FetchChunk(ctx context.Context, endpoint, streamID string, index int) ([]byte, error) {
	u := fmt.Sprintf("http://%s/api/streams/%s/chunks/%d", endpoint, url.PathEscape(streamID), index)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s on %s", shuffle.ErrStreamNotFound, streamID, endpoint)
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s on %s", shuffle.ErrPartitionUnavailable, streamID, endpoint)
	}
	if err := httpx.CheckResponse(u, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", shuffle.ErrFetchChunkFailed, err)
	}

	frame, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeChunk(frame)
}

func (f *HTTPChunkFetcher) CloseStream(ctx context.Context, endpoint, streamID string) error {
	u := fmt.Sprintf("http://%s/api/streams/%s/close", endpoint, url.PathEscape(streamID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return httpx.CheckResponse(u, resp)
}
