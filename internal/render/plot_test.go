package render

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/scpath/pipeline/internal/trajectory"
)

func testCoords() ([][2]float64, []int) {
	var coords [][2]float64
	var labels []int
	for cl := 0; cl < 2; cl++ {
		for i := 0; i < 10; i++ {
			coords = append(coords, [2]float64{float64(cl * 10), float64(i)})
			labels = append(labels, cl)
		}
	}
	return coords, labels
}

func decodePNG(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a valid PNG: %v", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func TestRenderCategorical(t *testing.T) {
	r := NewPlotRenderer(Config{Size: 300, PointSize: 2})
	coords, labels := testCoords()

	data, err := r.RenderCategorical(coords, labels, []string{"HSC", "GMP"}, "Cell type", nil)
	if err != nil {
		t.Fatalf("RenderCategorical() error: %v", err)
	}
	w, h := decodePNG(t, data)
	if w != 300 || h != 300 {
		t.Errorf("expected 300x300 image, got %dx%d", w, h)
	}
}

func TestRenderContinuous(t *testing.T) {
	r := NewPlotRenderer(Config{Size: 300, PointSize: 2})
	coords, _ := testCoords()

	values := make([]float64, len(coords))
	for i := range values {
		values[i] = float64(i)
	}
	// Off-lineage cells render in the undefined color, not an error.
	values[0] = math.NaN()

	data, err := r.RenderContinuous(coords, values, "viridis", "Pseudotime", nil)
	if err != nil {
		t.Fatalf("RenderContinuous() error: %v", err)
	}
	decodePNG(t, data)
}

func TestRenderContinuous_UnknownColormapFallsBack(t *testing.T) {
	r := NewPlotRenderer(Config{Size: 200})
	coords, _ := testCoords()
	values := make([]float64, len(coords))

	data, err := r.RenderContinuous(coords, values, "not-a-colormap", "x", nil)
	if err != nil {
		t.Fatalf("RenderContinuous() error: %v", err)
	}
	decodePNG(t, data)
}

func TestRenderWithTrajectoryOverlay(t *testing.T) {
	r := NewPlotRenderer(Config{Size: 300})
	coords, labels := testCoords()

	traj, err := trajectory.Infer(coords, labels, 0)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}

	data, err := r.RenderCategorical(coords, labels, []string{"a", "b"}, "Clusters", traj)
	if err != nil {
		t.Fatalf("RenderCategorical() error: %v", err)
	}
	decodePNG(t, data)
}

func TestRender_ConcurrentUse(t *testing.T) {
	r := NewPlotRenderer(Config{Size: 200})
	coords, labels := testCoords()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := r.RenderCategorical(coords, labels, []string{"a", "b"}, "t", nil)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent render failed: %v", err)
		}
	}
}
