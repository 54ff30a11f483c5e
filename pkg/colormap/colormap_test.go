package colormap

import (
	"image/color"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 84, G: 39, B: 143, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}

func TestLinearColormapClamps(t *testing.T) {
	t.Parallel()

	below := Viridis.At(-1)
	at0 := Viridis.At(0)
	if below != at0 {
		t.Errorf("expected t<0 to clamp to t=0: %#v vs %#v", below, at0)
	}

	above := Viridis.At(2)
	at1 := Viridis.At(1)
	if above != at1 {
		t.Errorf("expected t>1 to clamp to t=1: %#v vs %#v", above, at1)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"viridis", "plasma", "inferno", "magma", "seurat", "categorical"} {
		cm, err := Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%q) error: %v", name, err)
		}
		if cm == nil {
			t.Errorf("Lookup(%q) returned nil", name)
		}
	}

	if _, err := Lookup("jet"); err == nil {
		t.Error("expected error for unknown colormap")
	}
}

func TestCategoricalWrapsAround(t *testing.T) {
	t.Parallel()

	n := len(Categorical.colors)
	if Categorical.AtIndex(0) != Categorical.AtIndex(n) {
		t.Error("expected AtIndex to wrap around")
	}
	// Adjacent categories get distinct colors.
	if Categorical.AtIndex(0) == Categorical.AtIndex(1) {
		t.Error("adjacent categories share a color")
	}
}
