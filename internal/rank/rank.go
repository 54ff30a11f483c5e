// Package rank fits a regression model predicting pseudotime from gene
// expression and ranks genes by their contribution to the fit.
package rank

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/scpath/pipeline/internal/dataset"
	"github.com/scpath/pipeline/internal/forest"
	"github.com/scpath/pipeline/internal/preprocess"
)

// Config contains ranking parameters.
type Config struct {
	NGenes        int
	TrainFraction float64
	Forest        forest.Config
	Seed          int64
}

// GeneImportance is one gene's normalized importance score.
type GeneImportance struct {
	Gene       string
	Importance float64
}

// Result holds the fitted model quality and the ranked gene list.
type Result struct {
	Genes    []GeneImportance
	RMSE     float64
	Pearson  float64
	NTrain   int
	NVal     int
	NDropped int
}

// SplitIndices partitions 0..n-1 into disjoint train and validation sets by
// seeded shuffle. Train gets round(n*trainFraction) elements; the two sets
// always sum to n.
func SplitIndices(n int, trainFraction float64, seed int64) (train, val []int) {
	if trainFraction <= 0 {
		trainFraction = 0.8
	}
	if trainFraction > 1 {
		trainFraction = 1
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTrain := int(math.Round(float64(n) * trainFraction))
	if nTrain > n {
		nTrain = n
	}
	return perm[:nTrain], perm[nTrain:]
}

// Rank selects the top-variance genes, splits cells with defined pseudotime
// into train and validation sets, fits a random forest regressor and ranks
// the selected genes by importance. Cells whose pseudotime is NaN are
// dropped before fitting.
func Rank(m *dataset.Matrix, pseudotime []float64, cfg Config) (*Result, error) {
	if m.NCells() != len(pseudotime) {
		return nil, fmt.Errorf("pseudotime length %d does not match cell count %d", len(pseudotime), m.NCells())
	}

	hvgIdx := preprocess.SelectHVG(m, cfg.NGenes)
	sub := m.SubsetGenes(hvgIdx)

	// Keep only cells on the lineage.
	var kept []int
	for c, pt := range pseudotime {
		if !math.IsNaN(pt) {
			kept = append(kept, c)
		}
	}
	dropped := m.NCells() - len(kept)
	if len(kept) < 4 {
		return nil, fmt.Errorf("too few cells with defined pseudotime: %d", len(kept))
	}

	// Samples are cells, features are genes.
	x := make([][]float64, len(kept))
	y := make([]float64, len(kept))
	for i, c := range kept {
		row := make([]float64, sub.NGenes())
		for g := 0; g < sub.NGenes(); g++ {
			row[g] = sub.At(g, c)
		}
		x[i] = row
		y[i] = pseudotime[c]
	}

	trainIdx, valIdx := SplitIndices(len(kept), cfg.TrainFraction, cfg.Seed)

	xTrain := make([][]float64, len(trainIdx))
	yTrain := make([]float64, len(trainIdx))
	for i, s := range trainIdx {
		xTrain[i] = x[s]
		yTrain[i] = y[s]
	}

	fcfg := cfg.Forest
	fcfg.Seed = cfg.Seed
	model, err := forest.Fit(xTrain, yTrain, fcfg)
	if err != nil {
		return nil, fmt.Errorf("forest fit failed: %w", err)
	}

	res := &Result{
		NTrain:   len(trainIdx),
		NVal:     len(valIdx),
		NDropped: dropped,
		RMSE:     math.NaN(),
		Pearson:  math.NaN(),
	}

	if len(valIdx) >= 2 {
		pred := make([]float64, len(valIdx))
		actual := make([]float64, len(valIdx))
		for i, s := range valIdx {
			pred[i] = model.Predict(x[s])
			actual[i] = y[s]
		}

		var sse float64
		for i := range pred {
			d := pred[i] - actual[i]
			sse += d * d
		}
		res.RMSE = math.Sqrt(sse / float64(len(pred)))
		res.Pearson = stat.Correlation(pred, actual, nil)
	}

	res.Genes = make([]GeneImportance, sub.NGenes())
	for g := 0; g < sub.NGenes(); g++ {
		res.Genes[g] = GeneImportance{Gene: sub.Genes[g], Importance: model.Importance[g]}
	}
	sort.SliceStable(res.Genes, func(i, j int) bool {
		if res.Genes[i].Importance != res.Genes[j].Importance {
			return res.Genes[i].Importance > res.Genes[j].Importance
		}
		return res.Genes[i].Gene < res.Genes[j].Gene
	})

	return res, nil
}
