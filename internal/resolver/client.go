package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkg.jsn.cam/shufflefetch/pkg/httpx"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// MetadataClient is the contract the reader needs from the location
// metadata service.
type MetadataClient interface {
	ResolveFileGroup(ctx context.Context, shuffleID int) (*shuffle.FileGroup, error)
	// ReportFetchFailure reports whether the failure should be escalated
	// to a stage retry.
	ReportFetchFailure(ctx context.Context, appShuffleID, shuffleID int) (bool, error)
}

// HTTPMetadataClient talks to the metadata service over JSON/HTTP.
type HTTPMetadataClient struct {
	http    *http.Client
	baseURL string
}

// NewHTTPMetadataClient creates a client for the service at baseURL.
// timeout bounds requests made without a context deadline.
func NewHTTPMetadataClient(baseURL string, timeout time.Duration) *HTTPMetadataClient {
	return &HTTPMetadataClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ResolveFileGroup fetches the file group of a shuffle.
func (c *HTTPMetadataClient) ResolveFileGroup(ctx context.Context, shuffleID int) (*shuffle.FileGroup, error) {
	url := fmt.Sprintf("%s/api/shuffles/%d/filegroup", c.baseURL, shuffleID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shuffle.ErrMetadataUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d", shuffle.ErrShuffleNotFound, shuffleID)
	}
	if err := httpx.CheckResponse(url, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", shuffle.ErrResolveFailed, err)
	}

	var fgResp protocol.FileGroupResponse
	if err := httpx.JS.NewDecoder(resp.Body).Decode(&fgResp); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", shuffle.ErrResolveFailed, err)
	}
	if fgResp.Error != "" {
		return nil, fmt.Errorf("%w: %s", shuffle.ErrResolveFailed, fgResp.Error)
	}
	if fgResp.FileGroup == nil {
		return nil, fmt.Errorf("%w: empty response for shuffle %d", shuffle.ErrResolveFailed, shuffleID)
	}
	return fgResp.FileGroup, nil
}

// ReportFetchFailure asks the service whether to escalate a fetch failure.
func (c *HTTPMetadataClient) ReportFetchFailure(ctx context.Context, appShuffleID, shuffleID int) (bool, error) {
	req := protocol.FetchFailureRequest{AppShuffleID: appShuffleID, ShuffleID: shuffleID}

	body, err := httpx.JS.Marshal(req)
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/api/shuffles/%d/fetch-failure", c.baseURL, shuffleID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: %w", shuffle.ErrMetadataUnreachable, err)
	}
	defer resp.Body.Close()

	if err := httpx.CheckResponse(url, resp); err != nil {
		return false, fmt.Errorf("%w: %w", shuffle.ErrReportFailed, err)
	}

	var ffResp protocol.FetchFailureResponse
	if err := httpx.JS.NewDecoder(resp.Body).Decode(&ffResp); err != nil {
		return false, fmt.Errorf("%w: decode: %w", shuffle.ErrReportFailed, err)
	}
	return ffResp.Escalate, nil
}
