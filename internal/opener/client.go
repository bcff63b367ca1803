package opener

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// HostClient sends batched open-stream requests to storage hosts.
type HostClient interface {
	OpenStreams(ctx context.Context, endpoint string, req *protocol.OpenStreamRequest) (*protocol.OpenStreamResponse, error)
}

// HTTPHostClient implements HostClient over JSON/HTTP.
type HTTPHostClient struct {
	http *http.Client
}

// NewHTTPHostClient creates a host client. A nil client uses a default one
// without a global timeout; callers bound requests through the context.
func NewHTTPHostClient(client *http.Client) *HTTPHostClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPHostClient{http: client}
}

// OpenStreams opens every file of req on the host at endpoint.
func (c *HTTPHostClient) OpenStreams(ctx context.Context, endpoint string, req *protocol.OpenStreamRequest) (*protocol.OpenStreamResponse, error) {
	body, err := httpx.JS.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := "http://" + endpoint + "/api/streams/open"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shuffle.ErrOpenStreamFailed, err)
	}
	defer resp.Body.Close()

	if err := httpx.CheckResponse(url, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", shuffle.ErrOpenStreamFailed, err)
	}

	var openResp protocol.OpenStreamResponse
	if err := httpx.JS.NewDecoder(resp.Body).Decode(&openResp); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", shuffle.ErrOpenStreamFailed, err)
	}
	if openResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", shuffle.ErrOpenStreamFailed, openResp.Error)
	}
	return &openResp, nil
}
