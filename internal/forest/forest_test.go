package forest

import (
	"math"
	"math/rand"
	"testing"
)

// syntheticData builds samples where feature 0 carries all of the signal.
func syntheticData(n int, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = []float64{
			rng.Float64() * 10,
			rng.Float64(),
			rng.Float64(),
		}
		y[i] = 3*x[i][0] + rng.NormFloat64()*0.1
	}
	return x, y
}

func TestFit_LearnsMonotoneSignal(t *testing.T) {
	x, y := syntheticData(200, 1)

	f, err := Fit(x, y, Config{Trees: 30, MinLeaf: 3, MaxDepth: 8, FeatureFraction: 1.0, Workers: 2, Seed: 42})
	if err != nil {
		t.Fatalf("Fit() error: %v", err)
	}

	lo := f.Predict([]float64{1, 0.5, 0.5})
	hi := f.Predict([]float64{9, 0.5, 0.5})
	if hi <= lo {
		t.Errorf("expected higher prediction for larger feature 0: lo=%v hi=%v", lo, hi)
	}
	if math.Abs(lo-3) > 3 || math.Abs(hi-27) > 5 {
		t.Errorf("predictions far off: lo=%v hi=%v", lo, hi)
	}
}

func TestFit_ImportanceConcentratesOnSignal(t *testing.T) {
	x, y := syntheticData(200, 2)

	f, err := Fit(x, y, Config{Trees: 30, Workers: 2, FeatureFraction: 1.0, Seed: 7})
	if err != nil {
		t.Fatalf("Fit() error: %v", err)
	}

	var total float64
	for _, v := range f.Importance {
		if v < 0 {
			t.Errorf("negative importance: %v", f.Importance)
		}
		total += v
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("importance does not sum to 1: %v", total)
	}
	if f.Importance[0] < 0.8 {
		t.Errorf("informative feature should dominate, got %v", f.Importance)
	}
}

func TestFit_DeterministicAcrossWorkerCounts(t *testing.T) {
	x, y := syntheticData(100, 3)

	cfg := Config{Trees: 10, FeatureFraction: 0.5, Seed: 11}
	cfg.Workers = 1
	a, err := Fit(x, y, cfg)
	if err != nil {
		t.Fatalf("Fit() error: %v", err)
	}
	cfg.Workers = 4
	b, err := Fit(x, y, cfg)
	if err != nil {
		t.Fatalf("Fit() error: %v", err)
	}

	for j := range a.Importance {
		if a.Importance[j] != b.Importance[j] {
			t.Fatalf("importance differs across worker counts: %v vs %v", a.Importance, b.Importance)
		}
	}
	probe := []float64{5, 0.5, 0.5}
	if a.Predict(probe) != b.Predict(probe) {
		t.Errorf("predictions differ across worker counts")
	}
}

func TestFit_InvalidInput(t *testing.T) {
	if _, err := Fit(nil, nil, Config{}); err == nil {
		t.Error("expected error for empty sample set")
	}
	if _, err := Fit([][]float64{{1}}, []float64{1, 2}, Config{}); err == nil {
		t.Error("expected error for mismatched target length")
	}
	if _, err := Fit([][]float64{{}}, []float64{1}, Config{}); err == nil {
		t.Error("expected error for zero features")
	}
}

func TestPredictAll(t *testing.T) {
	x, y := syntheticData(50, 4)
	f, err := Fit(x, y, Config{Trees: 5, Seed: 1})
	if err != nil {
		t.Fatalf("Fit() error: %v", err)
	}
	preds := f.PredictAll(x[:3])
	if len(preds) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(preds))
	}
	if preds[0] != f.Predict(x[0]) {
		t.Errorf("PredictAll disagrees with Predict")
	}
	if f.NFeatures() != 3 {
		t.Errorf("expected 3 features, got %d", f.NFeatures())
	}
}
