// Package opener opens read streams for many replicas at once: one batched
// request per storage host, all hosts in parallel on a bounded pool.
package opener

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"pkg.jsn.cam/shufflefetch/internal/metrics"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle/protocol"
)

// Opener dispatches batched open-stream requests.
type Opener struct {
	pool      *Pool
	client    HostClient
	collector *metrics.Collector
	localHost string
}

// New creates an opener running on pool. collector may be nil.
func New(pool *Pool, client HostClient, collector *metrics.Collector) *Opener {
	host, _ := os.Hostname()
	return &Opener{pool: pool, client: client, collector: collector, localHost: host}
}

// hostBatch is everything sent to one endpoint.
type hostBatch struct {
	endpoint string
	ids      []string
	req      protocol.OpenStreamRequest
}

// OpenAll opens a stream for every replica of every partition and returns
// the handles keyed by replica unique id. A host that fails, times out or
// answers with a malformed response contributes no handles; the other hosts
// are unaffected and OpenAll itself never fails. It returns once every host
// request has finished.
//
// For skew reads only replicas present in chunkRanges are opened, and each
// request carries the replica's chunk range instead of the map range.
func (o *Opener) OpenAll(
	ctx context.Context,
	shuffleKey string,
	locationsByPartition map[int][]shuffle.ReplicaLocation,
	chunkRanges map[string]shuffle.ChunkRange,
	rng shuffle.PartitionRange,
	localReadAllowed bool,
	timeout time.Duration,
) map[string]shuffle.StreamHandle {
	batches := o.group(shuffleKey, locationsByPartition, chunkRanges, rng, localReadAllowed)

	handles := make(map[string]shuffle.StreamHandle)
	if len(batches) == 0 {
		return handles
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, b := range batches {
		wg.Add(1)
		run := func() {
			defer wg.Done()
			opened := o.openHost(ctx, b, timeout)
			if len(opened) == 0 {
				return
			}
			mu.Lock()
			for id, h := range opened {
				handles[id] = h
			}
			mu.Unlock()
		}
		if err := o.pool.Submit(run); err != nil {
			log.Printf("[OPENER] Pool submit for %s failed, running inline: %v", b.endpoint, err)
			run()
		}
	}
	wg.Wait()

	return handles
}

func (o *Opener) group(
	shuffleKey string,
	locationsByPartition map[int][]shuffle.ReplicaLocation,
	chunkRanges map[string]shuffle.ChunkRange,
	rng shuffle.PartitionRange,
	localReadAllowed bool,
) []*hostBatch {
	partitions := make([]int, 0, len(locationsByPartition))
	for p := range locationsByPartition {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)

	byEndpoint := make(map[string]*hostBatch)
	var order []*hostBatch
	seen := make(map[string]bool)

	for _, p := range partitions {
		for _, loc := range locationsByPartition[p] {
			if seen[loc.UniqueID] {
				continue
			}

			file := protocol.OpenStreamFile{
				FileName:        loc.FileName,
				StartIndex:      rng.StartMapIndex,
				EndIndex:        rng.EndMapIndex,
				PreferLocalRead: localReadAllowed && o.isLocal(loc.Host),
			}
			if rng.IsSkewRead() {
				cr, ok := chunkRanges[loc.UniqueID]
				if !ok {
					continue
				}
				file.StartIndex, file.EndIndex, file.ChunkRange = cr.First, cr.Last, true
			}
			seen[loc.UniqueID] = true

			endpoint := loc.Endpoint()
			b, ok := byEndpoint[endpoint]
			if !ok {
				b = &hostBatch{
					endpoint: endpoint,
					req: protocol.OpenStreamRequest{
						ShuffleKey: shuffleKey,
						Version:    protocol.ShuffleFetchVersion,
					},
				}
				byEndpoint[endpoint] = b
				order = append(order, b)
			}
			b.ids = append(b.ids, loc.UniqueID)
			b.req.Files = append(b.req.Files, file)
		}
	}
	return order
}

// openHost performs one batched request. Failures are logged, never returned.
func (o *Opener) openHost(ctx context.Context, b *hostBatch, timeout time.Duration) map[string]shuffle.StreamHandle {
	o.collector.IncOpenRequests()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := o.client.OpenStreams(ctx, b.endpoint, &b.req)
	if err == nil && len(resp.Results) != len(b.req.Files) {
		err = fmt.Errorf("%w: %d results for %d files", shuffle.ErrOpenStreamFailed, len(resp.Results), len(b.req.Files))
	}
	if err != nil {
		o.collector.IncOpenFailedHosts()
		log.Printf("[OPENER] Open of %d streams on %s failed after %v: %v",
			len(b.req.Files), b.endpoint, time.Since(start).Round(time.Millisecond), err)
		return nil
	}

	opened := make(map[string]shuffle.StreamHandle, len(b.ids))
	for i, res := range resp.Results {
		if !res.OK() {
			log.Printf("[OPENER] %s: no handle for %s (%s)", b.endpoint, b.req.Files[i].FileName, res.Status)
			continue
		}
		opened[b.ids[i]] = res.Handle()
	}
	return opened
}

func (o *Opener) isLocal(host string) bool {
	if host == o.localHost || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
