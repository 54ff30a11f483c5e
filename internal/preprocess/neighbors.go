package preprocess

import (
	"fmt"
	"math"
	"sort"
)

// NeighborGraph holds the k nearest neighbors of each cell in some
// embedding, with Euclidean distances. Neighbor lists exclude the cell
// itself and are ordered by increasing distance.
type NeighborGraph struct {
	K       int
	Indices [][]int
	Dists   [][]float64
}

// KNN builds an exact k-nearest-neighbor graph over the given coordinates.
// Ties are broken by cell index so the result is deterministic.
func KNN(coords [][]float64, k int) (*NeighborGraph, error) {
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("knn on empty coordinate set")
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid neighbor count: %d", k)
	}
	if k >= n {
		k = n - 1
	}

	g := &NeighborGraph{
		K:       k,
		Indices: make([][]int, n),
		Dists:   make([][]float64, n),
	}

	type cand struct {
		idx int
		d   float64
	}
	cands := make([]cand, 0, n-1)

	for i := 0; i < n; i++ {
		cands = cands[:0]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, cand{idx: j, d: euclidean(coords[i], coords[j])})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].d != cands[b].d {
				return cands[a].d < cands[b].d
			}
			return cands[a].idx < cands[b].idx
		})

		g.Indices[i] = make([]int, k)
		g.Dists[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			g.Indices[i][j] = cands[j].idx
			g.Dists[i][j] = cands[j].d
		}
	}

	return g, nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
