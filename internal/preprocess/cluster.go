package preprocess

import (
	"fmt"
	randv2 "math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// Cluster runs Louvain community detection over the neighbor graph and
// returns a cluster label per cell. Labels are renumbered 0..k-1 in order
// of each community's smallest cell index, so runs with the same seed and
// input produce identical assignments.
func Cluster(g *NeighborGraph, resolution float64, seed int64) ([]int, error) {
	n := len(g.Indices)
	if n == 0 {
		return nil, fmt.Errorf("cluster on empty neighbor graph")
	}
	if resolution <= 0 {
		resolution = 1.0
	}

	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		wg.AddNode(simple.Node(i))
	}
	for i := 0; i < n; i++ {
		for nb, j := range g.Indices[i] {
			if i == j {
				continue
			}
			// Edge weight decays with embedding distance.
			w := 1.0 / (1.0 + g.Dists[i][nb])
			wg.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(i),
				T: simple.Node(j),
				W: w,
			})
		}
	}

	src := randv2.NewPCG(uint64(seed), uint64(seed))
	reduced := community.Modularize(wg, resolution, src)
	comms := reduced.Communities()

	// Renumber communities deterministically by smallest member index.
	type comm struct {
		min     int
		members []int
	}
	ordered := make([]comm, 0, len(comms))
	for _, nodes := range comms {
		c := comm{min: n}
		for _, nd := range nodes {
			id := int(nd.ID())
			if id < c.min {
				c.min = id
			}
			c.members = append(c.members, id)
		}
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].min < ordered[j].min })

	labels := make([]int, n)
	for label, c := range ordered {
		for _, id := range c.members {
			labels[id] = label
		}
	}
	return labels, nil
}

// ClusterSizes returns the number of cells per cluster label.
func ClusterSizes(labels []int) map[int]int {
	sizes := make(map[int]int)
	for _, l := range labels {
		sizes[l]++
	}
	return sizes
}
