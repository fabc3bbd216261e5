package report

// DefaultSeriesBuckets bounds the occupancy series.
const DefaultSeriesBuckets = 512

type bucket struct {
	sum float64
	n   int
}

// series is a fixed-memory summary of per-frame occupancy. Each bucket
// covers width consecutive frames; when every bucket is in use, adjacent
// pairs merge and width doubles. Until the first merge every frame has its
// own bucket and half-splits are exact.
type series struct {
	buckets []bucket
	width   int
	max     int
	n       int
	total   float64
}

func newSeries(maxBuckets int) *series {
	if maxBuckets < 2 {
		maxBuckets = DefaultSeriesBuckets
	}
	if maxBuckets%2 != 0 {
		maxBuckets++
	}
	return &series{width: 1, max: maxBuckets, buckets: make([]bucket, 0, maxBuckets)}
}

func (s *series) add(v float64) {
	s.n++
	s.total += v
	if k := len(s.buckets); k > 0 && s.buckets[k-1].n < s.width {
		s.buckets[k-1].sum += v
		s.buckets[k-1].n++
		return
	}
	if len(s.buckets) == s.max {
		s.compact()
	}
	s.buckets = append(s.buckets, bucket{sum: v, n: 1})
}

func (s *series) compact() {
	half := len(s.buckets) / 2
	for i := 0; i < half; i++ {
		a, b := s.buckets[2*i], s.buckets[2*i+1]
		s.buckets[i] = bucket{sum: a.sum + b.sum, n: a.n + b.n}
	}
	s.buckets = s.buckets[:half]
	s.width *= 2
}

// halves returns the mean of the first n/2 values and of the rest. Inside a
// bucket that straddles the split its sum is apportioned by frame count.
func (s *series) halves() (first, second float64) {
	if s.n < 2 {
		return 0, 0
	}
	split := s.n / 2
	var firstSum float64
	seen := 0
	for _, b := range s.buckets {
		if seen+b.n <= split {
			firstSum += b.sum
			seen += b.n
			continue
		}
		if need := split - seen; need > 0 {
			firstSum += b.sum * float64(need) / float64(b.n)
		}
		break
	}
	first = firstSum / float64(split)
	second = (s.total - firstSum) / float64(s.n-split)
	return first, second
}

// values returns the bucket means, oldest first.
func (s *series) values() []float64 {
	out := make([]float64, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = b.sum / float64(b.n)
	}
	return out
}
