// Package forest implements a random forest regressor used to rank genes by
// their contribution to predicting pseudotime.
package forest

import (
	"math/rand"
	"sort"
)

type node struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *node
	right     *node
}

type treeParams struct {
	minLeaf     int
	maxDepth    int
	nCandidates int
}

// fitTree grows a CART regression tree on the sample rows in idx.
// Split quality is the decrease in sum of squared errors; the decrease is
// accumulated into importance by split feature.
func fitTree(x [][]float64, y []float64, idx []int, depth int, p treeParams, rng *rand.Rand, importance []float64) *node {
	sum, sumsq := 0.0, 0.0
	for _, i := range idx {
		sum += y[i]
		sumsq += y[i] * y[i]
	}
	n := float64(len(idx))
	mean := sum / n
	sse := sumsq - sum*sum/n

	if len(idx) < 2*p.minLeaf || depth >= p.maxDepth || sse <= 1e-12 {
		return &node{leaf: true, value: mean}
	}

	nFeatures := len(x[0])
	candidates := sampleFeatures(nFeatures, p.nCandidates, rng)

	bestGain := 0.0
	bestFeature := -1
	bestThreshold := 0.0

	order := make([]int, len(idx))
	for _, f := range candidates {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return x[order[a]][f] < x[order[b]][f] })

		// Scan split points with running sums.
		leftSum, leftSumsq := 0.0, 0.0
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			leftSum += y[i]
			leftSumsq += y[i] * y[i]

			nl := k + 1
			nr := len(order) - nl
			if nl < p.minLeaf || nr < p.minLeaf {
				continue
			}
			// Cannot split between equal feature values.
			if x[order[k]][f] == x[order[k+1]][f] {
				continue
			}

			rightSum := sum - leftSum
			rightSumsq := sumsq - leftSumsq
			leftSSE := leftSumsq - leftSum*leftSum/float64(nl)
			rightSSE := rightSumsq - rightSum*rightSum/float64(nr)

			gain := sse - leftSSE - rightSSE
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (x[order[k]][f] + x[order[k+1]][f]) / 2
			}
		}
	}

	if bestFeature < 0 {
		return &node{leaf: true, value: mean}
	}

	importance[bestFeature] += bestGain

	var leftIdx, rightIdx []int
	for _, i := range idx {
		if x[i][bestFeature] <= bestThreshold {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}

	return &node{
		feature:   bestFeature,
		threshold: bestThreshold,
		left:      fitTree(x, y, leftIdx, depth+1, p, rng, importance),
		right:     fitTree(x, y, rightIdx, depth+1, p, rng, importance),
	}
}

func (nd *node) predict(row []float64) float64 {
	for !nd.leaf {
		if row[nd.feature] <= nd.threshold {
			nd = nd.left
		} else {
			nd = nd.right
		}
	}
	return nd.value
}

// sampleFeatures draws k distinct feature indices without replacement.
func sampleFeatures(nFeatures, k int, rng *rand.Rand) []int {
	if k >= nFeatures {
		all := make([]int, nFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}

	perm := rng.Perm(nFeatures)
	return perm[:k]
}
