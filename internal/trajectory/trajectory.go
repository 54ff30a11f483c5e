// Package trajectory infers cluster-level lineages and per-cell pseudotime
// from a low-dimensional embedding, following the minimum-spanning-tree
// approach of Slingshot-style trajectory inference.
package trajectory

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Lineage is one ordered root-to-leaf path through the cluster tree, with a
// pseudotime value per cell. Pseudotime is NaN for cells whose cluster is
// not on the path.
type Lineage struct {
	Clusters   []int
	Pseudotime []float64
}

// OnPath reports whether a cluster label lies on the lineage path.
func (l *Lineage) OnPath(cluster int) bool {
	for _, c := range l.Clusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// Trajectory holds the inferred cluster tree and its lineages.
type Trajectory struct {
	Root      int
	Clusters  []int
	Centroids map[int][2]float64
	MSTEdges  [][2]int
	Lineages  []Lineage
}

// Infer builds the cluster minimum spanning tree over centroid distances in
// the embedding and derives lineages and pseudotime. rootCluster designates
// the starting cluster; a negative value selects the largest cluster.
func Infer(coords [][2]float64, labels []int, rootCluster int) (*Trajectory, error) {
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("trajectory inference on empty embedding")
	}
	if len(labels) != n {
		return nil, fmt.Errorf("labels length %d does not match embedding size %d", len(labels), n)
	}

	centroids, sizes := clusterCentroids(coords, labels)
	clusters := make([]int, 0, len(centroids))
	for c := range centroids {
		clusters = append(clusters, c)
	}
	sort.Ints(clusters)

	root, err := pickRoot(rootCluster, clusters, sizes)
	if err != nil {
		return nil, err
	}

	t := &Trajectory{
		Root:      root,
		Clusters:  clusters,
		Centroids: centroids,
	}

	if len(clusters) == 1 {
		// Degenerate tree: pseudotime is distance from the centroid.
		pt := make([]float64, n)
		c := centroids[root]
		for i, p := range coords {
			pt[i] = math.Hypot(p[0]-c[0], p[1]-c[1])
		}
		t.Lineages = []Lineage{{Clusters: []int{root}, Pseudotime: pt}}
		return t, nil
	}

	t.MSTEdges = spanningTree(clusters, centroids)

	adj := make(map[int][]int)
	for _, e := range t.MSTEdges {
		adj[e[0]] = append(adj[e[0]], e[1])
		adj[e[1]] = append(adj[e[1]], e[0])
	}
	for c := range adj {
		sort.Ints(adj[c])
	}

	for _, clusterPath := range rootToLeafPaths(root, adj) {
		t.Lineages = append(t.Lineages, Lineage{
			Clusters:   clusterPath,
			Pseudotime: pseudotimeAlong(clusterPath, centroids, coords, labels),
		})
	}

	return t, nil
}

func clusterCentroids(coords [][2]float64, labels []int) (map[int][2]float64, map[int]int) {
	sums := make(map[int][2]float64)
	sizes := make(map[int]int)
	for i, p := range coords {
		l := labels[i]
		s := sums[l]
		s[0] += p[0]
		s[1] += p[1]
		sums[l] = s
		sizes[l]++
	}

	centroids := make(map[int][2]float64, len(sums))
	for l, s := range sums {
		centroids[l] = [2]float64{s[0] / float64(sizes[l]), s[1] / float64(sizes[l])}
	}
	return centroids, sizes
}

func pickRoot(rootCluster int, clusters []int, sizes map[int]int) (int, error) {
	if rootCluster >= 0 {
		if _, ok := sizes[rootCluster]; !ok {
			return 0, fmt.Errorf("root cluster %d not present in assignment", rootCluster)
		}
		return rootCluster, nil
	}

	root, best := clusters[0], -1
	for _, c := range clusters {
		if sizes[c] > best {
			root, best = c, sizes[c]
		}
	}
	return root, nil
}

// spanningTree computes the MST over the complete centroid distance graph.
func spanningTree(clusters []int, centroids map[int][2]float64) [][2]int {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for _, c := range clusters {
		g.AddNode(simple.Node(c))
	}
	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			a := centroids[clusters[i]]
			b := centroids[clusters[j]]
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(clusters[i]),
				T: simple.Node(clusters[j]),
				W: math.Hypot(a[0]-b[0], a[1]-b[1]),
			})
		}
	}

	mst := simple.NewWeightedUndirectedGraph(0, 0)
	path.Kruskal(mst, g)

	var edges [][2]int
	it := mst.WeightedEdges()
	for it.Next() {
		e := it.WeightedEdge()
		u, v := int(e.From().ID()), int(e.To().ID())
		if u > v {
			u, v = v, u
		}
		edges = append(edges, [2]int{u, v})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// rootToLeafPaths enumerates every path from root to a leaf of the tree,
// visiting children in ascending label order.
func rootToLeafPaths(root int, adj map[int][]int) [][]int {
	var paths [][]int
	var walk func(node, parent int, trail []int)
	walk = func(node, parent int, trail []int) {
		trail = append(trail, node)
		isLeaf := true
		for _, next := range adj[node] {
			if next == parent {
				continue
			}
			isLeaf = false
			walk(next, node, trail)
		}
		if isLeaf {
			paths = append(paths, append([]int(nil), trail...))
		}
	}
	walk(root, -1, nil)
	return paths
}

// pseudotimeAlong assigns each cell on the path its cumulative arc length
// along the piecewise-linear curve through the path's centroids. Cells in
// clusters off the path receive NaN.
func pseudotimeAlong(clusterPath []int, centroids map[int][2]float64, coords [][2]float64, labels []int) []float64 {
	position := make(map[int]int, len(clusterPath))
	for i, c := range clusterPath {
		position[c] = i
	}

	// Cumulative length up to each path cluster's centroid.
	cum := make([]float64, len(clusterPath))
	for i := 1; i < len(clusterPath); i++ {
		a := centroids[clusterPath[i-1]]
		b := centroids[clusterPath[i]]
		cum[i] = cum[i-1] + math.Hypot(b[0]-a[0], b[1]-a[1])
	}

	pt := make([]float64, len(coords))
	for i := range pt {
		pt[i] = math.NaN()
	}

	for i, p := range coords {
		j, ok := position[labels[i]]
		if !ok {
			continue
		}

		// Project onto the segment entering this cluster; root cells
		// project onto the first segment, clamped at the root.
		seg := j
		if seg == 0 {
			seg = 1
		}
		a := centroids[clusterPath[seg-1]]
		b := centroids[clusterPath[seg]]
		segLen := math.Hypot(b[0]-a[0], b[1]-a[1])
		if segLen == 0 {
			pt[i] = cum[seg-1]
			continue
		}

		proj := ((p[0]-a[0])*(b[0]-a[0]) + (p[1]-a[1])*(b[1]-a[1])) / segLen
		if proj < 0 {
			proj = 0
		} else if proj > segLen {
			proj = segLen
		}
		pt[i] = cum[seg-1] + proj
	}

	return pt
}
