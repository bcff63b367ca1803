package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/shufflefetch/internal/config"
	"pkg.jsn.cam/shufflefetch/internal/reader"
	"pkg.jsn.cam/shufflefetch/internal/sorter"
	"pkg.jsn.cam/shufflefetch/internal/task"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

var (
	configPath   = flag.String("config", "", "Path to the YAML config file")
	metadataURL  = flag.String("metadata", "", "Metadata service URL, overrides the config")
	shuffleID    = flag.Int("shuffle", -1, "Shuffle id to read")
	appShuffleID = flag.Int("app-shuffle", -1, "Application shuffle id reported on fetch failures (defaults to -shuffle)")
	shuffleKey   = flag.String("key", "", "Shuffle key sent to storage hosts")
	start        = flag.Int("start", 0, "First partition to read")
	end          = flag.Int("end", 1, "Partition to stop before")
	subCount     = flag.Int("sub-count", 0, "Split a skewed partition into this many sub-partitions")
	subIndex     = flag.Int("sub-index", 0, "Sub-partition to read when -sub-count is set")
	sorted       = flag.Bool("sorted", false, "Sort records by key")
	combine      = flag.String("combine", "", "Aggregate values per key: count, sum, max or concat")
	combined     = flag.Bool("combined", false, "Values were already combined by the writers")
	tenant       = flag.String("tenant", "", "Tenant whose config overrides apply")
	summary      = flag.Bool("summary", false, "Print read metrics to stderr when done")
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	flag.Parse()

	if *shuffleID < 0 {
		log.Print("-shuffle is required")
		return 2
	}
	if *appShuffleID < 0 {
		*appShuffleID = *shuffleID
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Printf("Failed to load config: %v", err)
			return 1
		}
		cfg = loaded
	}
	if *metadataURL != "" {
		cfg.MetadataURL = *metadataURL
	}

	req, err := buildRequest()
	if err != nil {
		log.Printf("Invalid request: %v", err)
		return 2
	}

	engine, err := reader.NewEngine(cfg)
	if err != nil {
		log.Printf("Failed to start engine: %v", err)
		return 1
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Printf("Failed to close engine: %v", err)
		}
	}()

	if err := stream(engine, req); err != nil {
		log.Printf("Read failed: %v", err)
		return 1
	}
	return 0
}

func buildRequest() (reader.ReadRequest, error) {
	rng := shuffle.PartitionRange{
		StartPartition: *start,
		EndPartition:   *end,
		StartMapIndex:  0,
		EndMapIndex:    math.MaxInt32,
	}
	if *subCount > 0 {
		if *subIndex < 0 || *subIndex >= *subCount {
			return reader.ReadRequest{}, fmt.Errorf("-sub-index %d out of [0, %d)", *subIndex, *subCount)
		}
		rng.StartMapIndex, rng.EndMapIndex = *subCount, *subIndex
	}

	req := reader.ReadRequest{
		AppShuffleID:   *appShuffleID,
		ShuffleID:      *shuffleID,
		ShuffleKey:     *shuffleKey,
		Range:          rng,
		MapSideCombine: *combined,
		Tenant:         *tenant,
	}
	if *sorted {
		req.Ordering = sorter.Ascending
	}
	if *combine != "" {
		agg, err := sorter.ByName(*combine)
		if err != nil {
			return reader.ReadRequest{}, err
		}
		req.Aggregator = agg
	}
	return req, nil
}

// stream writes records to stdout. SIGINT and SIGTERM cancel the read.
func stream(engine *reader.Engine, req reader.ReadRequest) error {
	tctx := task.New(context.Background(), 0)
	done := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("Received %v, cancelling read", sig)
			tctx.Cancel()
		case <-done:
		}
		return nil
	})

	var it reader.Iterator
	g.Go(func() error {
		defer close(done)

		var err error
		it, err = engine.Read(tctx, req)
		if err != nil {
			tctx.MarkFailed(err)
			return err
		}

		w := bufio.NewWriter(os.Stdout)
		for it.Next() {
			kv := it.Record()
			fmt.Fprintf(w, "%s\t%s\n", kv.Key, kv.Value)
		}
		if err := w.Flush(); err != nil {
			tctx.MarkFailed(err)
			return err
		}
		if err := it.Err(); err != nil {
			tctx.MarkFailed(err)
			return err
		}
		tctx.MarkCompleted()
		return nil
	})

	err := g.Wait()
	if *summary && it != nil {
		printSummary(it)
	}
	return err
}

func printSummary(it reader.Iterator) {
	m := it.Metrics()
	sr := m.ShuffleRead()

	fmt.Fprintf(os.Stderr, "State:          %s\n", it.State())
	fmt.Fprintf(os.Stderr, "Records:        %s\n", humanize.Comma(sr.RecordsRead()))
	fmt.Fprintf(os.Stderr, "Remote bytes:   %s in %s chunks\n",
		humanize.Bytes(uint64(sr.RemoteBytesRead())), humanize.Comma(sr.RemoteBlocksFetched()))
	fmt.Fprintf(os.Stderr, "Fetch wait:     %v\n", sr.FetchWait().Round(time.Millisecond))
	if spilled := m.DiskBytesSpilled(); spilled > 0 {
		fmt.Fprintf(os.Stderr, "Spilled:        %s on disk, %s in memory\n",
			humanize.Bytes(uint64(spilled)), humanize.Bytes(uint64(m.MemoryBytesSpilled())))
	}
	if peak := m.PeakExecutionMemory(); peak > 0 {
		fmt.Fprintf(os.Stderr, "Peak memory:    %s\n", humanize.Bytes(uint64(peak)))
	}
}
