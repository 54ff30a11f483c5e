package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/scpath/pipeline/internal/dataset"
)

// PCA projects cells onto the top nPCs principal components of the
// gene x cell matrix. The returned coordinates are one row per cell.
//
// Component signs are normalized so that the largest-magnitude loading of
// each component is positive, making reruns byte-identical.
func PCA(m *dataset.Matrix, nPCs int) ([][]float64, error) {
	nCells := m.NCells()
	nGenes := m.NGenes()
	if nCells < 2 {
		return nil, fmt.Errorf("pca requires at least 2 cells, got %d", nCells)
	}
	if nPCs <= 0 {
		return nil, fmt.Errorf("invalid number of components: %d", nPCs)
	}
	maxPCs := nGenes
	if nCells-1 < maxPCs {
		maxPCs = nCells - 1
	}
	if nPCs > maxPCs {
		nPCs = maxPCs
	}

	// Cells are observations: build the centered cells x genes matrix.
	x := mat.NewDense(nCells, nGenes, nil)
	for g := 0; g < nGenes; g++ {
		row := m.Row(g)
		mean := stat.Mean(row, nil)
		for c := 0; c < nCells; c++ {
			x.Set(c, g, row[c]-mean)
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("principal component decomposition failed")
	}

	var vec mat.Dense
	pc.VectorsTo(&vec)

	// Fix component signs before projecting.
	rows, cols := vec.Dims()
	if nPCs > cols {
		nPCs = cols
	}
	for j := 0; j < nPCs; j++ {
		maxAbs, maxVal := 0.0, 0.0
		for i := 0; i < rows; i++ {
			v := vec.At(i, j)
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
				maxVal = v
			}
		}
		if maxVal < 0 {
			for i := 0; i < rows; i++ {
				vec.Set(i, j, -vec.At(i, j))
			}
		}
	}

	var proj mat.Dense
	proj.Mul(x, vec.Slice(0, rows, 0, nPCs))

	coords := make([][]float64, nCells)
	for c := 0; c < nCells; c++ {
		coords[c] = make([]float64, nPCs)
		for j := 0; j < nPCs; j++ {
			coords[c][j] = proj.At(c, j)
		}
	}
	return coords, nil
}
