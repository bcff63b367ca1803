package sorter_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pkg.jsn.cam/shufflefetch/internal/metrics"
	"pkg.jsn.cam/shufflefetch/internal/sorter"
	"pkg.jsn.cam/shufflefetch/pkg/shuffle"
)

func kv(k, v string) shuffle.KeyValue { return shuffle.KeyValue{Key: k, Value: v} }

func spillFiles(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "shufflefetch-spill-*"))
	Expect(err).NotTo(HaveOccurred())
	return matches
}

// failingIterator yields n records and then fails.
type failingIterator struct {
	n      int
	closed bool
}

func (f *failingIterator) Next() bool {
	if f.n == 0 {
		return false
	}
	f.n--
	return true
}
func (f *failingIterator) Record() shuffle.KeyValue { return kv("k", "v") }
func (f *failingIterator) Err() error               { return errors.New("stream broke") }
func (f *failingIterator) Close() error             { f.closed = true; return nil }

var _ = Describe("ExternalSorter", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Context("without aggregation", func() {
		It("should order records and keep equal keys in insertion order", func() {
			in := shuffle.NewSliceIterator([]shuffle.KeyValue{
				kv("b", "1"), kv("a", "1"), kv("b", "2"), kv("c", "1"), kv("a", "2"),
			})
			it, err := sorter.Sort(in, sorter.Options{SpillDir: dir})
			Expect(err).NotTo(HaveOccurred())

			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]shuffle.KeyValue{
				kv("a", "1"), kv("a", "2"), kv("b", "1"), kv("b", "2"), kv("c", "1"),
			}))
		})

		It("should honor a custom ordering", func() {
			descending := func(a, b string) int { return -sorter.Ascending(a, b) }
			it, err := sorter.Sort(
				shuffle.NewSliceIterator([]shuffle.KeyValue{kv("a", ""), kv("c", ""), kv("b", "")}),
				sorter.Options{SpillDir: dir, Ordering: descending},
			)
			Expect(err).NotTo(HaveOccurred())

			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]shuffle.KeyValue{kv("c", ""), kv("b", ""), kv("a", "")}))
		})

		It("should spill under memory pressure and merge runs in order", func() {
			tm := metrics.NewTaskMetrics(nil)
			s := sorter.NewExternalSorter(sorter.Options{SpillDir: dir, MemoryLimit: 1024, Metrics: tm})

			var want []string
			for i := 999; i >= 0; i-- {
				key := fmt.Sprintf("key-%04d", i)
				want = append([]string{key}, want...)
				Expect(s.Insert(kv(key, strconv.Itoa(i)))).To(Succeed())
			}
			Expect(s.SpillCount()).To(BeNumerically(">", 1))
			Expect(spillFiles(dir)).To(HaveLen(s.SpillCount()))

			it, err := s.Iterator()
			Expect(err).NotTo(HaveOccurred())
			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())

			keys := make([]string, len(out))
			for i, rec := range out {
				keys[i] = rec.Key
			}
			Expect(keys).To(Equal(want))

			Expect(s.MemoryBytesSpilled()).To(BeNumerically(">", 0))
			Expect(s.DiskBytesSpilled()).To(BeNumerically(">", 0))
			Expect(tm.MemoryBytesSpilled()).To(Equal(s.MemoryBytesSpilled()))
			Expect(tm.DiskBytesSpilled()).To(Equal(s.DiskBytesSpilled()))
			Expect(tm.PeakExecutionMemory()).To(Equal(s.PeakMemory()))
			Expect(s.PeakMemory()).To(BeNumerically("<=", 1024+200))

			Expect(spillFiles(dir)).To(BeEmpty())
		})
	})

	Context("with aggregation", func() {
		It("should combine raw values once per key", func() {
			in := shuffle.NewSliceIterator([]shuffle.KeyValue{
				kv("x", "a"), kv("y", "b"), kv("x", "c"), kv("x", "d"),
			})
			it, err := sorter.CombineValuesByKey(in, sorter.Count(), sorter.Options{SpillDir: dir})
			Expect(err).NotTo(HaveOccurred())

			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]shuffle.KeyValue{kv("x", "3"), kv("y", "1")}))
		})

		It("should merge combiners across spilled runs", func() {
			var records []shuffle.KeyValue
			for round := 0; round < 50; round++ {
				for k := 0; k < 20; k++ {
					records = append(records, kv(fmt.Sprintf("k%02d", k), "2"))
				}
			}

			s := sorter.NewExternalSorter(sorter.Options{
				SpillDir:    dir,
				MemoryLimit: 512,
				Aggregator:  sorter.Sum(),
				Combined:    true,
			})
			Expect(s.InsertAll(shuffle.NewSliceIterator(records))).To(Succeed())
			Expect(s.SpillCount()).To(BeNumerically(">", 0))

			it, err := s.Iterator()
			Expect(err).NotTo(HaveOccurred())
			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())

			Expect(out).To(HaveLen(20))
			for i, rec := range out {
				Expect(rec.Key).To(Equal(fmt.Sprintf("k%02d", i)))
				Expect(rec.Value).To(Equal("100"))
			}
		})

		It("should treat pre-combined input with MergeCombiners", func() {
			in := shuffle.NewSliceIterator([]shuffle.KeyValue{kv("w", "4"), kv("w", "6")})
			it, err := sorter.CombineCombinersByKey(in, sorter.Count(), sorter.Options{SpillDir: dir})
			Expect(err).NotTo(HaveOccurred())

			out, err := shuffle.Collect(it)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]shuffle.KeyValue{kv("w", "10")}))
		})
	})

	Context("lifecycle", func() {
		It("should close idempotently and refuse inserts afterwards", func() {
			s := sorter.NewExternalSorter(sorter.Options{SpillDir: dir, MemoryLimit: 64})
			Expect(s.Insert(kv("a", "1"))).To(Succeed())
			Expect(s.Insert(kv("b", "1"))).To(Succeed())
			Expect(spillFiles(dir)).NotTo(BeEmpty())

			Expect(s.Close()).To(Succeed())
			Expect(s.Close()).To(Succeed())
			Expect(spillFiles(dir)).To(BeEmpty())
			Expect(s.Insert(kv("c", "1"))).To(MatchError(sorter.ErrSorterClosed))
		})

		It("should surface input errors and close the input", func() {
			in := &failingIterator{n: 3}
			_, err := sorter.Sort(in, sorter.Options{SpillDir: dir})
			Expect(err).To(MatchError("stream broke"))
			Expect(in.closed).To(BeTrue())
		})

		It("should leave the spill directory untouched for empty input", func() {
			it, err := sorter.Sort(shuffle.NewSliceIterator(nil), sorter.Options{SpillDir: dir})
			Expect(err).NotTo(HaveOccurred())
			Expect(it.Next()).To(BeFalse())
			Expect(it.Close()).To(Succeed())

			entries, err := os.ReadDir(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})
})

var _ = Describe("Aggregator presets", func() {
	DescribeTable("folding values",
		func(agg *sorter.Aggregator, values []string, want string) {
			c := agg.CreateCombiner(values[0])
			for _, v := range values[1:] {
				c = agg.MergeValue(c, v)
			}
			Expect(c).To(Equal(want))
		},
		Entry("count", sorter.Count(), []string{"a", "b", "c"}, "3"),
		Entry("sum", sorter.Sum(), []string{"1.5", "2", "x"}, "3.5"),
		Entry("max", sorter.Max(), []string{"3", " 9 ", "4"}, "9"),
		Entry("concat", sorter.Concat("|"), []string{"a", "b"}, "a|b"),
	)

	It("should look presets up by name", func() {
		for _, name := range []string{"count", "sum", "max", "concat"} {
			agg, err := sorter.ByName(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(agg).NotTo(BeNil())
		}
		_, err := sorter.ByName("median")
		Expect(err).To(HaveOccurred())
	})
})
