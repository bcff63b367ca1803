package sorter

import (
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

// CombineValuesByKey aggregates raw values per key.
func CombineValuesByKey(in shuffle.Iterator, agg *Aggregator, opts Options) (shuffle.Iterator, error) {
	opts.Aggregator, opts.Combined = agg, false
	return Sort(in, opts)
}

// CombineCombinersByKey merges values that were already combined upstream.
func CombineCombinersByKey(in shuffle.Iterator, agg *Aggregator, opts Options) (shuffle.Iterator, error) {
	opts.Aggregator, opts.Combined = agg, true
	return Sort(in, opts)
}

// Sort drains in through an ExternalSorter and returns the ordered result.
// Closing the result releases every spill file.
func Sort(in shuffle.Iterator, opts Options) (shuffle.Iterator, error) {
	s := NewExternalSorter(opts)
	if err := s.InsertAll(in); err != nil {
		s.Close()
		return nil, err
	}
	return s.Iterator()
}
