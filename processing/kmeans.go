package processing

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// ErrClusterCount reports that clustering produced fewer centroids than
// requested, usually because the input had too few distinct points.
var ErrClusterCount = errors.New("clustering returned fewer centroids than requested")

// KMeans runs Lloyd's algorithm on an M x D point tensor and returns an
// N x D centroid tensor. Centroids are seeded from N randomly drawn input
// points; clusters left empty after the final assignment are dropped, and
// ending up with fewer than n of them is an ErrClusterCount. Whitening of the
// input is the caller's concern.
func KMeans(points *tensor.Dense, n, iters int, rng *rand.Rand) (*tensor.Dense, error) {
	shape := points.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("expected a 2D point tensor, got shape %v", shape)
	}
	m, d := shape[0], shape[1]
	if n <= 0 {
		return nil, errors.Errorf("requested %d clusters", n)
	}
	if m < n {
		return nil, errors.Wrapf(ErrClusterCount, "requested %d clusters from %d points", n, m)
	}

	data := points.Float32s()
	centroids := make([]float32, n*d)
	for i, idx := range rng.Perm(m)[:n] {
		copy(centroids[i*d:(i+1)*d], data[idx*d:(idx+1)*d])
	}

	assign := make([]int, m)
	counts := make([]int, n)
	sums := make([]float32, n*d)

	for it := 0; it < iters; it++ {
		changed := false
		for p := 0; p < m; p++ {
			best, bestDist := 0, float32(0)
			for c := 0; c < n; c++ {
				var dist float32
				for j := 0; j < d; j++ {
					diff := data[p*d+j] - centroids[c*d+j]
					dist += diff * diff
				}
				if c == 0 || dist < bestDist {
					best, bestDist = c, dist
				}
			}
			if assign[p] != best || it == 0 {
				changed = true
				assign[p] = best
			}
		}
		if !changed {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for p := 0; p < m; p++ {
			counts[assign[p]]++
			for j := 0; j < d; j++ {
				sums[assign[p]*d+j] += data[p*d+j]
			}
		}
		for c := 0; c < n; c++ {
			if counts[c] == 0 {
				continue // keep the stale centroid, dropped below if still empty
			}
			for j := 0; j < d; j++ {
				centroids[c*d+j] = sums[c*d+j] / float32(counts[c])
			}
		}
	}

	kept := make([]float32, 0, n*d)
	for c := 0; c < n; c++ {
		if counts[c] > 0 {
			kept = append(kept, centroids[c*d:(c+1)*d]...)
		}
	}
	got := len(kept) / d
	if got < n {
		return nil, errors.Wrapf(ErrClusterCount, "requested %d clusters but only %d survived", n, got)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(n, d),
		tensor.WithBacking(kept),
	), nil
}
