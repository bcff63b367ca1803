package shuffle

// Iterator is a pull-based sequence of records.
//
//	for it.Next() {
//		kv := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next() bool
	Record() KeyValue
	Err() error
	Close() error
}

type sliceIterator struct {
	kvs []KeyValue
	pos int
}

// NewSliceIterator iterates over kvs.
func NewSliceIterator(kvs []KeyValue) Iterator {
	return &sliceIterator{kvs: kvs, pos: -1}
}

func (s *sliceIterator) Next() bool {
	if s.pos+1 >= len(s.kvs) {
		s.pos = len(s.kvs)
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator) Record() KeyValue { return s.kvs[s.pos] }
func (s *sliceIterator) Err() error       { return nil }
func (s *sliceIterator) Close() error     { return nil }

// Collect drains and closes it.
func Collect(it Iterator) ([]KeyValue, error) {
	var out []KeyValue
	for it.Next() {
		out = append(out, it.Record())
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}
