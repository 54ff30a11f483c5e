package preprocess

import (
	"fmt"
	"math"
	"math/rand"
)

// UMAPParams controls the 2D graph layout.
type UMAPParams struct {
	Epochs  int
	MinDist float64
	Spread  float64
}

const (
	umapNegSamples = 5
	umapGradClip   = 4.0
	umapInitScale  = 10.0
)

// UMAP computes a 2D embedding of the neighbor graph by stochastic gradient
// descent on the fuzzy-set cross entropy, initialized from the first two
// columns of the input coordinates (typically PCA). Seeded and deterministic.
func UMAP(coords [][]float64, g *NeighborGraph, params UMAPParams, seed int64) ([][2]float64, error) {
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("umap on empty coordinate set")
	}
	if g == nil || len(g.Indices) != n {
		return nil, fmt.Errorf("umap neighbor graph does not match coordinates")
	}
	if params.Epochs <= 0 {
		params.Epochs = 200
	}
	if params.MinDist <= 0 {
		params.MinDist = 0.1
	}
	if params.Spread <= 0 {
		params.Spread = 1.0
	}

	a, b := fitABParams(params.MinDist, params.Spread)
	rng := rand.New(rand.NewSource(seed))

	// Initialize from the first two input dimensions, rescaled to a
	// fixed extent.
	emb := initLayout(coords)

	// Undirected edge list from the kNN graph.
	type edge struct{ i, j int }
	seen := make(map[[2]int]bool)
	var edges []edge
	for i := 0; i < n; i++ {
		for _, j := range g.Indices[i] {
			key := [2]int{i, j}
			if i > j {
				key = [2]int{j, i}
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			edges = append(edges, edge{i: key[0], j: key[1]})
		}
	}

	order := make([]int, len(edges))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < params.Epochs; epoch++ {
		alpha := 1.0 - float64(epoch)/float64(params.Epochs)

		rng.Shuffle(len(order), func(x, y int) {
			order[x], order[y] = order[y], order[x]
		})

		for _, ei := range order {
			e := edges[ei]
			attract(&emb[e.i], &emb[e.j], a, b, alpha)

			for s := 0; s < umapNegSamples; s++ {
				k := rng.Intn(n)
				if k == e.i || k == e.j {
					continue
				}
				repulse(&emb[e.i], &emb[k], a, b, alpha)
			}
		}
	}

	return emb, nil
}

func initLayout(coords [][]float64) [][2]float64 {
	n := len(coords)
	emb := make([][2]float64, n)

	var maxAbs float64
	for _, c := range coords {
		for d := 0; d < 2 && d < len(c); d++ {
			if math.Abs(c[d]) > maxAbs {
				maxAbs = math.Abs(c[d])
			}
		}
	}
	scale := 1.0
	if maxAbs > 0 {
		scale = umapInitScale / maxAbs
	}

	for i, c := range coords {
		for d := 0; d < 2 && d < len(c); d++ {
			emb[i][d] = c[d] * scale
		}
	}
	return emb
}

func attract(p, q *[2]float64, a, b, alpha float64) {
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	d2 := dx*dx + dy*dy
	if d2 == 0 {
		return
	}

	coeff := -2.0 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b))
	gx := clip(coeff*dx) * alpha
	gy := clip(coeff*dy) * alpha

	p[0] += gx
	p[1] += gy
	q[0] -= gx
	q[1] -= gy
}

func repulse(p, q *[2]float64, a, b, alpha float64) {
	dx := p[0] - q[0]
	dy := p[1] - q[1]
	d2 := dx*dx + dy*dy

	coeff := 2.0 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
	p[0] += clip(coeff*dx) * alpha
	p[1] += clip(coeff*dy) * alpha
}

func clip(v float64) float64 {
	if v > umapGradClip {
		return umapGradClip
	}
	if v < -umapGradClip {
		return -umapGradClip
	}
	return v
}

// fitABParams approximates the curve 1/(1+a*d^(2b)) to the target membership
// function exp(-(d-minDist)/spread) by coarse grid search.
func fitABParams(minDist, spread float64) (float64, float64) {
	target := func(d float64) float64 {
		if d <= minDist {
			return 1.0
		}
		return math.Exp(-(d - minDist) / spread)
	}

	const samples = 300
	bestA, bestB := 1.0, 1.0
	bestErr := math.Inf(1)

	for a := 0.1; a <= 3.0; a += 0.05 {
		for b := 0.5; b <= 2.0; b += 0.05 {
			var sse float64
			for s := 0; s < samples; s++ {
				d := 3.0 * spread * float64(s) / float64(samples)
				fit := 1.0 / (1.0 + a*math.Pow(d*d, b))
				diff := fit - target(d)
				sse += diff * diff
			}
			if sse < bestErr {
				bestErr = sse
				bestA, bestB = a, b
			}
		}
	}

	return bestA, bestB
}
