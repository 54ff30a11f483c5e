package trajectory

import (
	"math"
	"testing"
)

// chainData places three clusters on a line: cluster 0 near x=0, cluster 1
// near x=10, cluster 2 near x=20. Five cells each.
func chainData() ([][2]float64, []int) {
	var coords [][2]float64
	var labels []int
	for cl := 0; cl < 3; cl++ {
		for i := 0; i < 5; i++ {
			coords = append(coords, [2]float64{float64(cl*10) + float64(i)*0.1, 0})
			labels = append(labels, cl)
		}
	}
	return coords, labels
}

func TestInfer_ChainMST(t *testing.T) {
	coords, labels := chainData()
	traj, err := Infer(coords, labels, 0)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}

	if traj.Root != 0 {
		t.Errorf("expected root 0, got %d", traj.Root)
	}
	if len(traj.MSTEdges) != 2 {
		t.Fatalf("expected 2 MST edges, got %v", traj.MSTEdges)
	}
	if traj.MSTEdges[0] != [2]int{0, 1} || traj.MSTEdges[1] != [2]int{1, 2} {
		t.Errorf("unexpected MST edges: %v", traj.MSTEdges)
	}
	if len(traj.Lineages) != 1 {
		t.Fatalf("expected 1 lineage, got %d", len(traj.Lineages))
	}
	lin := traj.Lineages[0]
	if len(lin.Clusters) != 3 || lin.Clusters[0] != 0 || lin.Clusters[2] != 2 {
		t.Errorf("unexpected lineage path: %v", lin.Clusters)
	}
}

func TestInfer_PseudotimeOrdering(t *testing.T) {
	coords, labels := chainData()
	traj, err := Infer(coords, labels, 0)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	pt := traj.Lineages[0].Pseudotime

	for i, v := range pt {
		if math.IsNaN(v) {
			t.Fatalf("cell %d on path has NaN pseudotime", i)
		}
		if v < 0 {
			t.Fatalf("cell %d has negative pseudotime %v", i, v)
		}
	}

	// Cells of later clusters must come later on average.
	mean := func(lo, hi int) float64 {
		var s float64
		for i := lo; i < hi; i++ {
			s += pt[i]
		}
		return s / float64(hi-lo)
	}
	m0, m1, m2 := mean(0, 5), mean(5, 10), mean(10, 15)
	if !(m0 < m1 && m1 < m2) {
		t.Errorf("pseudotime not increasing along chain: %v %v %v", m0, m1, m2)
	}
}

func TestInfer_BranchingLineages(t *testing.T) {
	// Root cluster 0 at origin with two distant arms, clusters 1 and 2.
	var coords [][2]float64
	var labels []int
	add := func(cl int, x, y float64) {
		for i := 0; i < 4; i++ {
			coords = append(coords, [2]float64{x + float64(i)*0.1, y})
			labels = append(labels, cl)
		}
	}
	add(0, 0, 0)
	add(1, 10, 10)
	add(2, 10, -10)

	traj, err := Infer(coords, labels, 0)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	if len(traj.Lineages) != 2 {
		t.Fatalf("expected 2 lineages, got %d", len(traj.Lineages))
	}

	// Lineages visit children in label order.
	if traj.Lineages[0].Clusters[1] != 1 || traj.Lineages[1].Clusters[1] != 2 {
		t.Errorf("unexpected lineage order: %v / %v",
			traj.Lineages[0].Clusters, traj.Lineages[1].Clusters)
	}

	// Cluster 2 cells are off lineage 0 and get NaN there.
	lin0 := traj.Lineages[0]
	for i, l := range labels {
		onPath := lin0.OnPath(l)
		isNaN := math.IsNaN(lin0.Pseudotime[i])
		if onPath == isNaN {
			t.Errorf("cell %d (cluster %d): onPath=%v but NaN=%v", i, l, onPath, isNaN)
		}
	}
}

func TestInfer_LargestClusterRoot(t *testing.T) {
	var coords [][2]float64
	var labels []int
	for i := 0; i < 3; i++ {
		coords = append(coords, [2]float64{0, float64(i) * 0.1})
		labels = append(labels, 0)
	}
	for i := 0; i < 7; i++ {
		coords = append(coords, [2]float64{10, float64(i) * 0.1})
		labels = append(labels, 1)
	}

	traj, err := Infer(coords, labels, -1)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	if traj.Root != 1 {
		t.Errorf("expected largest cluster 1 as root, got %d", traj.Root)
	}
}

func TestInfer_MissingRootCluster(t *testing.T) {
	coords, labels := chainData()
	if _, err := Infer(coords, labels, 9); err == nil {
		t.Error("expected error for absent root cluster")
	}
}

func TestInfer_SingleCluster(t *testing.T) {
	coords := [][2]float64{{0, 0}, {1, 0}, {3, 4}}
	labels := []int{0, 0, 0}

	traj, err := Infer(coords, labels, -1)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	if len(traj.Lineages) != 1 || len(traj.MSTEdges) != 0 {
		t.Fatalf("unexpected degenerate trajectory: %+v", traj)
	}
	pt := traj.Lineages[0].Pseudotime
	// Distance from the centroid at (4/3, 4/3).
	for i, v := range pt {
		if math.IsNaN(v) || v < 0 {
			t.Errorf("cell %d: invalid pseudotime %v", i, v)
		}
	}
	if !(pt[2] > pt[0]) {
		t.Errorf("far cell should have larger pseudotime: %v", pt)
	}
}

func TestInfer_EmptyInput(t *testing.T) {
	if _, err := Infer(nil, nil, 0); err == nil {
		t.Error("expected error for empty embedding")
	}
	if _, err := Infer([][2]float64{{0, 0}}, []int{0, 1}, 0); err == nil {
		t.Error("expected error for mismatched labels")
	}
}
