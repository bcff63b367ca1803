// Package reader assembles the records of a shuffle partition range from
// remote storage hosts into one iterator.
//
// A read resolves the shuffle's file group, splits a skewed partition when
// asked to, opens every replica stream in one parallel batch per host and
// then pulls partitions lazily, in order, as the consumer iterates.
package reader

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pkg.jsn.cam/shufflefetch/internal/codec"
	"pkg.jsn.cam/shufflefetch/internal/config"
	"pkg.jsn.cam/shufflefetch/internal/metrics"
	"pkg.jsn.cam/shufflefetch/internal/opener"
	"pkg.jsn.cam/shufflefetch/internal/resolver"
	"pkg.jsn.cam/shufflefetch/internal/skew"
	"pkg.jsn.cam/shufflefetch/internal/sorter"
	"pkg.jsn.cam/shufflefetch/internal/stream"
	"pkg.jsn.cam/shufflefetch/internal/task"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// ReadRequest describes one read invocation.
type ReadRequest struct {
	AppShuffleID int
	ShuffleID    int
	ShuffleKey   string
	Range        shuffle.PartitionRange

	// Serializer defaults to codec.MsgpSerializer.
	Serializer codec.Serializer
	// Aggregator combines values of equal keys when set.
	Aggregator *sorter.Aggregator
	// MapSideCombine marks values as already combined by the writers.
	MapSideCombine bool
	// Ordering sorts the output by key when set.
	Ordering sorter.Ordering

	// Tenant selects per-tenant config overrides.
	Tenant string
	// Metrics receives the read's counters. A fresh set is used when nil.
	Metrics *metrics.TaskMetrics
}

// Engine coordinates reads. It owns the open-stream pool, the location
// resolver and the clients shared by every read.
type Engine struct {
	config    *config.Service
	ownConfig bool

	pool     *opener.Pool
	ownPool  bool
	opener   *opener.Opener
	resolver *resolver.Resolver
	fetcher  stream.ChunkFetcher

	collector *metrics.Collector
}

type engineOptions struct {
	service    *config.Service
	pool       *opener.Pool
	metadata   resolver.MetadataClient
	hostClient opener.HostClient
	fetcher    stream.ChunkFetcher
	registerer prometheus.Registerer
	httpClient *http.Client
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithConfigService reads config through svc so dynamic updates apply to
// later reads.
func WithConfigService(svc *config.Service) Option {
	return func(o *engineOptions) { o.service = svc }
}

// WithPool shares an existing open-stream pool. The engine will not
// release it.
func WithPool(p *opener.Pool) Option {
	return func(o *engineOptions) { o.pool = p }
}

// WithMetadataClient replaces the HTTP metadata client.
func WithMetadataClient(c resolver.MetadataClient) Option {
	return func(o *engineOptions) { o.metadata = c }
}

// WithHostClient replaces the HTTP open-stream client.
func WithHostClient(c opener.HostClient) Option {
	return func(o *engineOptions) { o.hostClient = c }
}

// WithChunkFetcher replaces the HTTP chunk fetcher.
func WithChunkFetcher(f stream.ChunkFetcher) Option {
	return func(o *engineOptions) { o.fetcher = f }
}

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithHTTPClient sets the client used for host traffic.
func WithHTTPClient(c *http.Client) Option {
	return func(o *engineOptions) { o.httpClient = c }
}

// NewEngine creates an engine. The open-stream pool is sized from cfg and
// started on first use.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{config: o.service}
	if e.config == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		e.config = config.NewService(cfg)
		e.ownConfig = true
	}
	cur := e.config.Current()

	e.collector = metrics.NewCollector(o.registerer)

	e.pool = o.pool
	if e.pool == nil {
		e.pool = opener.NewPool(cur.OpenStreamPoolSize)
		e.ownPool = true
	}

	hostClient := o.hostClient
	if hostClient == nil {
		hostClient = opener.NewHTTPHostClient(o.httpClient)
	}
	e.opener = opener.New(e.pool, hostClient, e.collector)

	e.fetcher = o.fetcher
	if e.fetcher == nil {
		e.fetcher = stream.NewHTTPChunkFetcher(o.httpClient)
	}

	metadata := o.metadata
	if metadata == nil {
		if cur.MetadataURL == "" {
			e.Close()
			return nil, fmt.Errorf("%w: metadata_url is required", config.ErrInvalidConfig)
		}
		metadata = resolver.NewHTTPMetadataClient(cur.MetadataURL, cur.OpenStreamTimeout)
	}
	r, err := resolver.Open(metadata, cur.LocationCachePath)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.resolver = r

	return e, nil
}

// Close releases the pool (when owned), the resolver cache and the config
// refresher.
func (e *Engine) Close() error {
	if e.ownPool && e.pool != nil {
		e.pool.Release()
	}
	if e.ownConfig && e.config != nil {
		e.config.Shutdown()
	}
	if e.resolver != nil {
		return e.resolver.Close()
	}
	return nil
}

// Read starts reading req on behalf of tctx. Resolution and stream opening
// happen before Read returns; records are fetched as the returned iterator
// is pulled. Resources are released when the task completes.
func (e *Engine) Read(tctx *task.Context, req ReadRequest) (Iterator, error) {
	if err := req.Range.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %+v", err, req.Range)
	}
	if req.Serializer == nil {
		req.Serializer = codec.MsgpSerializer{}
	}
	if req.Metrics == nil {
		req.Metrics = metrics.NewTaskMetrics(e.collector)
	}

	cfg := e.config.TenantConfig(req.Tenant)
	ctx := tctx.Context()
	tag := fmt.Sprintf("[READER:%s]", tctx.ID())
	start := time.Now()

	state := &readState{}
	fail := func(err error) (Iterator, error) {
		state.set(StateFailed)
		log.Printf("%s Read of shuffle %d failed: %v", tag, req.ShuffleID, err)
		return nil, err
	}
	if tctx.IsInterrupted() {
		return fail(tctx.Cause())
	}

	state.set(StateResolving)
	fg, err := e.resolver.Resolve(ctx, req.ShuffleKey, req.ShuffleID)
	if err != nil {
		return fail(err)
	}

	partitions := req.Range.Partitions()
	var chunkRanges map[string]shuffle.ChunkRange
	if req.Range.IsSkewRead() {
		chunkRanges = make(map[string]shuffle.ChunkRange)
		for _, p := range partitions {
			for id, cr := range skew.Split(fg.Locations(p), req.Range.SubPartitionCount(), req.Range.SubPartitionIndex()) {
				chunkRanges[id] = cr
			}
		}
	}

	state.set(StateOpening)
	handles := map[string]shuffle.StreamHandle{}
	if fg.NumMappers > 0 {
		byPartition := make(map[int][]shuffle.ReplicaLocation, len(partitions))
		for _, p := range partitions {
			if locs := resolver.Locations(fg, p, req.Range, chunkRanges); len(locs) > 0 {
				byPartition[p] = locs
			}
		}
		handles = e.opener.OpenAll(ctx, req.ShuffleKey, byPartition, chunkRanges, req.Range,
			cfg.LocalReadEnabled, cfg.OpenStreamTimeout)
		log.Printf("%s Opened %d streams for %d partitions of shuffle %d in %v",
			tag, len(handles), len(byPartition), req.ShuffleID, time.Since(start).Round(time.Millisecond))
	}

	sr := req.Metrics.ShuffleRead()
	factory := stream.NewFactory(stream.FactoryConfig{
		FileGroup:   fg,
		Range:       req.Range,
		ChunkRanges: chunkRanges,
		Handles:     handles,
		Fetcher:     e.fetcher,
		Task:        tctx,
		OnFetch: func(n int, elapsed time.Duration) {
			sr.IncRemoteBytesRead(int64(n))
			sr.IncRemoteBlocksFetched(1)
			sr.IncFetchWait(elapsed)
		},
		FetchTimeout: cfg.FetchTimeout,
	})
	tctx.OnCompletion(func() { factory.ReleaseUnopened(ctx) })

	base := &partitionIterator{
		ctx:        ctx,
		partitions: partitions,
		factory:    factory,
		serializer: req.Serializer,
		metrics:    sr,
	}
	base.onError = func(partition int, err error) error {
		return e.handleFailure(ctx, tag, req, cfg, factory, partition, err)
	}

	var records shuffle.Iterator = &metricsIterator{Iterator: base, metrics: sr}
	records = &interruptibleIterator{Iterator: records, tctx: tctx}
	records = e.postProcess(records, req, cfg)

	state.set(StateStreaming)
	it := &trackedIterator{inner: records, factory: factory, state: state, metrics: req.Metrics, logTag: tag, start: start}
	tctx.OnCompletion(func() { _ = it.Close() })
	return it, nil
}

// postProcess applies the aggregation and ordering the request asks for.
func (e *Engine) postProcess(in shuffle.Iterator, req ReadRequest, cfg config.Config) shuffle.Iterator {
	opts := sorter.Options{
		Ordering:    req.Ordering,
		SpillDir:    cfg.SpillDir,
		MemoryLimit: cfg.SortMemoryLimit,
		Metrics:     req.Metrics,
	}

	switch {
	case req.Ordering != nil:
		opts.Aggregator, opts.Combined = req.Aggregator, req.MapSideCombine
		return &deferredIterator{in: in, build: func(in shuffle.Iterator) (shuffle.Iterator, error) {
			return sorter.Sort(in, opts)
		}}
	case req.Aggregator != nil && req.MapSideCombine:
		return &deferredIterator{in: in, build: func(in shuffle.Iterator) (shuffle.Iterator, error) {
			return sorter.CombineCombinersByKey(in, req.Aggregator, opts)
		}}
	case req.Aggregator != nil:
		return &deferredIterator{in: in, build: func(in shuffle.Iterator) (shuffle.Iterator, error) {
			return sorter.CombineValuesByKey(in, req.Aggregator, opts)
		}}
	default:
		return in
	}
}

// handleFailure records err as the read's failure and, for transient errors
// when stage reruns are enabled, asks the metadata service whether to turn
// it into a fetch failure.
func (e *Engine) handleFailure(ctx context.Context, tag string, req ReadRequest, cfg config.Config, factory *stream.Factory, partition int, err error) error {
	first := factory.Fail(partition, err)

	fe, ok := first.(*stream.FetchError)
	if !ok {
		return first
	}
	e.collector.IncFetchFailure(fe.Kind.String())

	if !fe.Transient() || !cfg.StageRerunEnabled {
		return fe
	}

	escalate, rerr := e.resolver.ReportFetchFailure(ctx, req.AppShuffleID, req.ShuffleID)
	if rerr != nil {
		log.Printf("%s Reporting fetch failure of shuffle %d failed: %v", tag, req.ShuffleID, rerr)
		return fe
	}
	if !escalate {
		log.Printf("%s Fetch failure of shuffle %d not escalated", tag, req.ShuffleID)
		return fe
	}

	if ierr := e.resolver.Invalidate(req.ShuffleKey, req.ShuffleID); ierr != nil {
		log.Printf("%s Invalidating locations of shuffle %d failed: %v", tag, req.ShuffleID, ierr)
	}
	log.Printf("%s Escalating fetch failure of shuffle %d partition %d", tag, req.ShuffleID, fe.Partition)
	return &FetchFailedError{
		AppShuffleID: req.AppShuffleID,
		ShuffleID:    req.ShuffleID,
		Partition:    fe.Partition,
		Cause:        fe,
	}
}
