package sorter

import (
	"fmt"
	"strconv"
	"strings"
)

// Aggregator combines the values of equal keys. MergeValue folds a raw value
// into a combiner; MergeCombiners folds two partial combiners.
type Aggregator struct {
	CreateCombiner func(value string) string
	MergeValue     func(combiner, value string) string
	MergeCombiners func(a, b string) string
}

// Count counts values per key.
func Count() *Aggregator {
	return &Aggregator{
		CreateCombiner: func(string) string { return "1" },
		MergeValue: func(c, _ string) string {
			return strconv.FormatInt(parseInt(c)+1, 10)
		},
		MergeCombiners: func(a, b string) string {
			return strconv.FormatInt(parseInt(a)+parseInt(b), 10)
		},
	}
}

// Sum adds numeric values per key. Unparseable values count as zero.
func Sum() *Aggregator {
	add := func(a, b string) string {
		return strconv.FormatFloat(parseFloat(a)+parseFloat(b), 'f', -1, 64)
	}
	return &Aggregator{
		CreateCombiner: func(v string) string { return add(v, "0") },
		MergeValue:     add,
		MergeCombiners: add,
	}
}

// Max keeps the largest numeric value per key.
func Max() *Aggregator {
	maxOf := func(a, b string) string {
		if parseFloat(b) > parseFloat(a) {
			return b
		}
		return a
	}
	return &Aggregator{
		CreateCombiner: func(v string) string { return strings.TrimSpace(v) },
		MergeValue:     func(c, v string) string { return maxOf(c, strings.TrimSpace(v)) },
		MergeCombiners: maxOf,
	}
}

// Concat joins values per key with sep.
func Concat(sep string) *Aggregator {
	join := func(a, b string) string { return a + sep + b }
	return &Aggregator{
		CreateCombiner: func(v string) string { return v },
		MergeValue:     join,
		MergeCombiners: join,
	}
}

// ByName returns a preset aggregator: count, sum, max or concat.
func ByName(name string) (*Aggregator, error) {
	switch name {
	case "count":
		return Count(), nil
	case "sum":
		return Sum(), nil
	case "max":
		return Max(), nil
	case "concat":
		return Concat(","), nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
