// Package preprocess implements normalization, dimensionality reduction and
// clustering of expression matrices.
package preprocess

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/scpath/pipeline/internal/dataset"
)

// DefaultScale is the counts-per-N normalization target (counts per 10k).
const DefaultScale = 1e4

// NormalizeLog1p scales each cell's counts to a fixed total and applies
// log1p. Cells with zero total counts are left as zeros.
func NormalizeLog1p(m *dataset.Matrix, scale float64) *dataset.Matrix {
	if scale <= 0 {
		scale = DefaultScale
	}

	nGenes := m.NGenes()
	nCells := m.NCells()

	totals := make([]float64, nCells)
	for g := 0; g < nGenes; g++ {
		row := m.Row(g)
		for c, v := range row {
			totals[c] += v
		}
	}

	out := dataset.NewMatrix(m.Genes, m.Cells)
	for g := 0; g < nGenes; g++ {
		src := m.Row(g)
		dst := out.Row(g)
		for c, v := range src {
			if totals[c] > 0 {
				dst[c] = math.Log1p(v * scale / totals[c])
			}
		}
	}
	return out
}

// SelectHVG returns the row indices of the n most variable genes, ordered by
// decreasing variance with gene index breaking ties.
func SelectHVG(m *dataset.Matrix, n int) []int {
	nGenes := m.NGenes()
	if n <= 0 || n > nGenes {
		n = nGenes
	}

	type geneVar struct {
		idx int
		v   float64
	}
	vars := make([]geneVar, nGenes)
	for g := 0; g < nGenes; g++ {
		vars[g] = geneVar{idx: g, v: stat.Variance(m.Row(g), nil)}
	}

	sort.SliceStable(vars, func(i, j int) bool {
		if vars[i].v != vars[j].v {
			return vars[i].v > vars[j].v
		}
		return vars[i].idx < vars[j].idx
	})

	idx := make([]int, n)
	for i := 0; i < n; i++ {
		idx[i] = vars[i].idx
	}
	return idx
}
