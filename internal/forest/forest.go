package forest

import (
	"fmt"
	"math/rand"
	"sync"
)

// Config contains forest fitting parameters.
type Config struct {
	Trees           int
	MinLeaf         int
	MaxDepth        int
	FeatureFraction float64
	Workers         int
	Seed            int64
}

// Forest is a fitted random forest regressor.
type Forest struct {
	trees     []*node
	nFeatures int

	// Importance is the total impurity decrease per feature across all
	// trees, normalized to sum to 1.
	Importance []float64
}

// Fit trains a random forest on x (rows are samples) against target y.
// Trees are fitted on bootstrap samples over a bounded worker pool; each
// tree derives its RNG from Seed and the tree index, so results do not
// depend on scheduling.
func Fit(x [][]float64, y []float64, cfg Config) (*Forest, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("forest fit on empty sample set")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("sample count %d does not match target count %d", len(x), len(y))
	}
	nFeatures := len(x[0])
	if nFeatures == 0 {
		return nil, fmt.Errorf("forest fit with no features")
	}

	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MinLeaf <= 0 {
		cfg.MinLeaf = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 12
	}
	if cfg.FeatureFraction <= 0 || cfg.FeatureFraction > 1 {
		cfg.FeatureFraction = 0.33
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	nCandidates := int(cfg.FeatureFraction * float64(nFeatures))
	if nCandidates < 1 {
		nCandidates = 1
	}
	params := treeParams{
		minLeaf:     cfg.MinLeaf,
		maxDepth:    cfg.MaxDepth,
		nCandidates: nCandidates,
	}

	f := &Forest{
		trees:      make([]*node, cfg.Trees),
		nFeatures:  nFeatures,
		Importance: make([]float64, nFeatures),
	}
	treeImportance := make([][]float64, cfg.Trees)

	jobs := make(chan int, cfg.Trees)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				rng := rand.New(rand.NewSource(cfg.Seed + int64(t)))

				// Bootstrap sample with replacement.
				idx := make([]int, len(x))
				for i := range idx {
					idx[i] = rng.Intn(len(x))
				}

				imp := make([]float64, nFeatures)
				f.trees[t] = fitTree(x, y, idx, 0, params, rng, imp)
				treeImportance[t] = imp
			}
		}()
	}
	for t := 0; t < cfg.Trees; t++ {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	total := 0.0
	for _, imp := range treeImportance {
		for j, v := range imp {
			f.Importance[j] += v
			total += v
		}
	}
	if total > 0 {
		for j := range f.Importance {
			f.Importance[j] /= total
		}
	}

	return f, nil
}

// Predict returns the forest prediction for one sample.
func (f *Forest) Predict(row []float64) float64 {
	sum := 0.0
	for _, t := range f.trees {
		sum += t.predict(row)
	}
	return sum / float64(len(f.trees))
}

// PredictAll returns predictions for each sample row.
func (f *Forest) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = f.Predict(row)
	}
	return out
}

// NFeatures returns the number of features the forest was fitted on.
func (f *Forest) NFeatures() int { return f.nFeatures }
