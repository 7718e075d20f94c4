// Package distance implements the pairwise scalar distance and similarity
// functions used by the index layer, with runtime dispatch between a
// Gonum BLAS-backed path and a pure Go scalar fallback chosen by CPU
// feature detection at package init.
package distance

import (
	"math"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/gonum"
)

// Metric names the distance/similarity space a vector collection is
// compared under.
type Metric int

const (
	Cosine Metric = iota
	L2
	DotProduct
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case L2:
		return "l2"
	case DotProduct:
		return "dot_product"
	default:
		return "unknown"
	}
}

// zeroMagnitudeEpsilon guards cosine similarity of a near-zero vector
// against division by a value indistinguishable from zero.
const zeroMagnitudeEpsilon = 1e-12

// Func computes a distance (lower is closer) between two equal-length
// float32 spans for a given Metric. For Cosine and DotProduct, the
// returned value is already a *distance*, not a similarity: smaller is
// closer, matching the HSW index's ordering contract.
type Func func(a, b []float32) float64

var (
	dotFn         = dotProductGo
	squaredL2Fn   = squaredL2Go
	useGonumPath  bool
	dispatchGuard sync.Once
)

func init() {
	dispatchGuard.Do(func() {
		if cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.AVX) {
			useGonumPath = true
			dotFn = dotProductGonum
			squaredL2Fn = squaredL2Gonum
		}
	})
}

// UsingGonumPath reports whether the BLAS-backed implementation was
// selected at init time, for diagnostics and tests.
func UsingGonumPath() bool { return useGonumPath }

// Dot computes the raw dot product of a and b.
func Dot(a, b []float32) float64 { return dotFn(a, b) }

// SquaredL2 computes the squared Euclidean distance between a and b.
// It must never be used where the triangle inequality is required; use
// L2 for that.
func SquaredL2(a, b []float32) float64 { return squaredL2Fn(a, b) }

// L2Distance computes the Euclidean distance between a and b. Named
// distinctly from the L2 Metric constant to avoid shadowing it.
func L2Distance(a, b []float32) float64 { return math.Sqrt(squaredL2Fn(a, b)) }

// CosineSimilarity computes cosine similarity in [-1, 1]. A zero-vector
// input (magnitude below zeroMagnitudeEpsilon) yields exactly 0.
func CosineSimilarity(a, b []float32) float64 {
	dot := dotFn(a, b)
	na := math.Sqrt(squaredL2NormGo(a))
	nb := math.Sqrt(squaredL2NormGo(b))
	if na < zeroMagnitudeEpsilon || nb < zeroMagnitudeEpsilon {
		return 0
	}
	return dot / (na * nb)
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// Normalize scales v in place to unit L2 norm. A zero (or
// near-zero-magnitude) vector is left unchanged.
func Normalize(v []float32) {
	norm := math.Sqrt(squaredL2NormGo(v))
	if norm < zeroMagnitudeEpsilon {
		return
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// ForMetric returns the distance function to use for the given Metric
// inside the index layer: squared L2 for L2 (the index compares by
// relative order, never needs the square root), -dot for DotProduct,
// and cosine distance for Cosine.
func ForMetric(m Metric) Func {
	switch m {
	case Cosine:
		return CosineDistance
	case DotProduct:
		return negatedDot
	default:
		return SquaredL2
	}
}

// ScoreForMetric maps a distance under m back to a monotone-decreasing
// similarity score in roughly [0, 1], per the index's result contract.
// dist must already be the externally-reported distance (see
// ExternalDistance), not the raw value ForMetric's Func returns.
func ScoreForMetric(m Metric, dist float64) float64 {
	switch m {
	case Cosine:
		return 1 - dist
	default:
		return 1 / (1 + dist)
	}
}

// ExternalDistance converts the value ForMetric's Func produced for m
// into the distance an API caller should see. ForMetric(L2) returns
// squared L2 so index-internal candidate comparisons never pay for a
// square root; that shortcut is only valid for ordering, never for a
// reported value, so callers take the square root here before a
// distance crosses the index boundary into a Result.
func ExternalDistance(m Metric, dist float64) float64 {
	if m == L2 {
		return math.Sqrt(dist)
	}
	return dist
}

func negatedDot(a, b []float32) float64 { return -dotFn(a, b) }

// --- pure Go scalar implementations ---

func dotProductGo(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func squaredL2Go(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func squaredL2NormGo(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum
}

// --- Gonum BLAS backed implementations ---

var blasEngine = gonum.Implementation{}

var diffWorkspace = sync.Pool{
	New: func() any { return make([]float32, 0, 256) },
}

func dotProductGonum(a, b []float32) float64 {
	return float64(blasEngine.Sdot(len(a), a, 1, b, 1))
}

func squaredL2Gonum(a, b []float32) float64 {
	n := len(a)
	diff := diffWorkspace.Get().([]float32)
	if cap(diff) < n {
		diff = make([]float32, n)
	} else {
		diff = diff[:n]
	}
	defer diffWorkspace.Put(diff[:0])

	copy(diff, a)
	blasEngine.Saxpy(n, -1, b, 1, diff, 1)
	return float64(blasEngine.Sdot(n, diff, 1, diff, 1))
}
