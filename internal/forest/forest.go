// Package forest implements a seeded isolation forest for unsupervised
// outlier scoring. Points that random axis-aligned splits separate from
// the rest in fewer partitions score higher.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// maxSampleSize caps the per-tree subsample. Isolation forests do not
// benefit from larger samples and the cap keeps tree height bounded.
const maxSampleSize = 256

// eulerGamma is the Euler-Mascheroni constant used in the average
// unsuccessful-search path length of a binary search tree.
const eulerGamma = 0.5772156649015329

// ErrDegenerate is returned when every row of the matrix is identical:
// no split can isolate anything, so no model can be fitted.
var ErrDegenerate = errors.New("degenerate feature matrix: all rows identical")

// Forest is an isolation forest. Construct with New, then Fit once per
// batch; the model is discarded with the run and never reused.
type Forest struct {
	treeCount int
	rng       *rand.Rand

	trees      []*node
	sampleSize int
	limit      int
}

type node struct {
	// internal nodes
	feature int
	split   float64
	left    *node
	right   *node

	// leaves
	size int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// New creates a forest with the given ensemble size and seed. The seed
// makes repeated fits on identical input produce identical scores.
func New(treeCount int, seed int64) *Forest {
	if treeCount <= 0 {
		treeCount = 100
	}
	return &Forest{
		treeCount: treeCount,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Fit builds the ensemble over the feature matrix.
func (f *Forest) Fit(rows [][]float64) error {
	n := len(rows)
	if n < 2 {
		return fmt.Errorf("isolation forest needs at least 2 rows, got %d", n)
	}
	if identicalRows(rows) {
		return ErrDegenerate
	}

	f.sampleSize = n
	if f.sampleSize > maxSampleSize {
		f.sampleSize = maxSampleSize
	}
	f.limit = int(math.Ceil(math.Log2(float64(f.sampleSize))))

	f.trees = make([]*node, f.treeCount)
	for i := range f.trees {
		sample := f.rng.Perm(n)[:f.sampleSize]
		f.trees[i] = f.build(rows, sample, 0)
	}
	return nil
}

// Scores returns the anomaly score per row, in (0, 1), higher = more
// anomalous. Fit must have succeeded first.
func (f *Forest) Scores(rows [][]float64) []float64 {
	norm := avgPathLength(f.sampleSize)
	out := make([]float64, len(rows))
	for i, row := range rows {
		var total float64
		for _, t := range f.trees {
			total += pathLength(t, row, 0)
		}
		mean := total / float64(len(f.trees))
		out[i] = math.Pow(2, -mean/norm)
	}
	return out
}

// build grows one isolation tree over the sampled row indices.
func (f *Forest) build(rows [][]float64, sample []int, depth int) *node {
	if depth >= f.limit || len(sample) <= 1 {
		return &node{size: len(sample)}
	}

	feature, lo, hi, ok := f.pickSplit(rows, sample)
	if !ok {
		// every feature is constant within this sample
		return &node{size: len(sample)}
	}
	split := lo + f.rng.Float64()*(hi-lo)

	var left, right []int
	for _, idx := range sample {
		if rows[idx][feature] < split {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{size: len(sample)}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    f.build(rows, left, depth+1),
		right:   f.build(rows, right, depth+1),
	}
}

// pickSplit selects a uniformly random feature that still varies within
// the sample and returns its value range.
func (f *Forest) pickSplit(rows [][]float64, sample []int) (feature int, lo, hi float64, ok bool) {
	dims := len(rows[sample[0]])
	candidates := make([]int, 0, dims)
	los := make([]float64, dims)
	his := make([]float64, dims)

	for d := 0; d < dims; d++ {
		lo, hi := rows[sample[0]][d], rows[sample[0]][d]
		for _, idx := range sample[1:] {
			v := rows[idx][d]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			candidates = append(candidates, d)
			los[d], his[d] = lo, hi
		}
	}
	if len(candidates) == 0 {
		return 0, 0, 0, false
	}
	d := candidates[f.rng.Intn(len(candidates))]
	return d, los[d], his[d], true
}

// pathLength walks a row down one tree. Leaves holding more than one
// point are credited the expected depth of a subtree of that size.
func pathLength(n *node, row []float64, depth int) float64 {
	if n.leaf() {
		return float64(depth) + avgPathLength(n.size)
	}
	if row[n.feature] < n.split {
		return pathLength(n.left, row, depth+1)
	}
	return pathLength(n.right, row, depth+1)
}

// avgPathLength is c(n): the average path length of an unsuccessful
// search in a binary search tree over n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

func identicalRows(rows [][]float64) bool {
	first := rows[0]
	for _, row := range rows[1:] {
		for d, v := range row {
			if v != first[d] {
				return false
			}
		}
	}
	return true
}
