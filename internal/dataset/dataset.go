// Package dataset provides the in-memory expression matrix and cell
// annotation model consumed by the pipeline stages.
package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/scpath/pipeline/internal/data/zarr"
)

// Matrix is a dense gene x cell expression matrix. Data is row-major with
// one row per gene.
type Matrix struct {
	Genes []string
	Cells []string
	Data  []float64
}

// NewMatrix allocates a zeroed matrix for the given identifiers.
func NewMatrix(genes, cells []string) *Matrix {
	return &Matrix{
		Genes: genes,
		Cells: cells,
		Data:  make([]float64, len(genes)*len(cells)),
	}
}

// NGenes returns the number of genes (rows).
func (m *Matrix) NGenes() int { return len(m.Genes) }

// NCells returns the number of cells (columns).
func (m *Matrix) NCells() int { return len(m.Cells) }

// At returns the value for gene row g and cell column c.
func (m *Matrix) At(g, c int) float64 {
	return m.Data[g*len(m.Cells)+c]
}

// Set stores the value for gene row g and cell column c.
func (m *Matrix) Set(g, c int, v float64) {
	m.Data[g*len(m.Cells)+c] = v
}

// Row returns the expression vector of gene row g across all cells.
// The returned slice aliases the matrix storage.
func (m *Matrix) Row(g int) []float64 {
	return m.Data[g*len(m.Cells) : (g+1)*len(m.Cells)]
}

// SubsetGenes returns a new matrix restricted to the given gene rows,
// in the given order.
func (m *Matrix) SubsetGenes(rows []int) *Matrix {
	genes := make([]string, len(rows))
	out := NewMatrix(genes, m.Cells)
	for i, g := range rows {
		genes[i] = m.Genes[g]
		copy(out.Row(i), m.Row(g))
	}
	return out
}

// SubsetCells returns a new matrix restricted to the given cell columns,
// in the given order.
func (m *Matrix) SubsetCells(cols []int) *Matrix {
	cells := make([]string, len(cols))
	for i, c := range cols {
		cells[i] = m.Cells[c]
	}
	out := NewMatrix(m.Genes, cells)
	for g := range m.Genes {
		src := m.Row(g)
		dst := out.Row(g)
		for i, c := range cols {
			dst[i] = src[c]
		}
	}
	return out
}

// Annotation maps cell identifiers to categorical labels, ordered to match
// the matrix columns.
type Annotation struct {
	Cells  []string
	Labels []string
	index  map[string]int
}

// NewAnnotation builds an annotation from parallel cell and label slices.
func NewAnnotation(cells, labels []string) (*Annotation, error) {
	if len(cells) != len(labels) {
		return nil, fmt.Errorf("annotation misaligned: %d cells vs %d labels", len(cells), len(labels))
	}
	index := make(map[string]int, len(cells))
	for i, c := range cells {
		if _, ok := index[c]; ok {
			return nil, fmt.Errorf("duplicate cell identifier in annotation: %s", c)
		}
		index[c] = i
	}
	return &Annotation{Cells: cells, Labels: labels, index: index}, nil
}

// NCells returns the number of annotated cells.
func (a *Annotation) NCells() int { return len(a.Cells) }

// Label returns the label for a cell identifier.
func (a *Annotation) Label(cell string) (string, bool) {
	i, ok := a.index[cell]
	if !ok {
		return "", false
	}
	return a.Labels[i], true
}

// Levels returns the distinct labels in first-appearance order.
func (a *Annotation) Levels() []string {
	seen := make(map[string]bool)
	var levels []string
	for _, l := range a.Labels {
		if !seen[l] {
			seen[l] = true
			levels = append(levels, l)
		}
	}
	return levels
}

// LoadCounts reads the raw count matrix from a chunked store. The store must
// contain a uint32 "counts" array shaped [n_genes, n_cells].
func LoadCounts(r *zarr.Reader) (*Matrix, error) {
	md := r.Metadata()

	counts, shape, err := r.ReadUint32("counts")
	if err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("counts array is not 2D: shape %v", shape)
	}
	if shape[0] != len(md.Genes) || shape[1] != len(md.Cells) {
		return nil, fmt.Errorf("counts shape %v does not match metadata (%d genes, %d cells)",
			shape, len(md.Genes), len(md.Cells))
	}

	m := NewMatrix(md.Genes, md.Cells)
	for i, v := range counts {
		m.Data[i] = float64(v)
	}
	return m, nil
}

// LoadAnnotations reads a TSV of cell_id<TAB>label rows. A header line whose
// first field is "cell_id" is skipped.
func LoadAnnotations(path string) (*Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer f.Close()

	var cells, labels []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("annotations line %d: expected 2 tab-separated fields, got %d", lineNo, len(fields))
		}
		if lineNo == 1 && fields[0] == "cell_id" {
			continue
		}
		cells = append(cells, fields[0])
		labels = append(labels, fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}

	return NewAnnotation(cells, labels)
}

// FilterByLabels restricts the matrix and annotation to cells whose label is
// in the accepted set, preserving matrix column order. An empty accepted set
// keeps all labels. Every matrix cell must be annotated.
func FilterByLabels(m *Matrix, ann *Annotation, accepted []string) (*Matrix, *Annotation, error) {
	acceptAll := len(accepted) == 0
	acceptSet := make(map[string]bool, len(accepted))
	for _, l := range accepted {
		acceptSet[l] = true
	}

	var keep []int
	var keptCells, keptLabels []string
	for c, cell := range m.Cells {
		label, ok := ann.Label(cell)
		if !ok {
			return nil, nil, fmt.Errorf("cell %s has no annotation", cell)
		}
		if acceptAll || acceptSet[label] {
			keep = append(keep, c)
			keptCells = append(keptCells, cell)
			keptLabels = append(keptLabels, label)
		}
	}

	filtered := m.SubsetCells(keep)
	filteredAnn, err := NewAnnotation(keptCells, keptLabels)
	if err != nil {
		return nil, nil, err
	}

	if filtered.NCells() != filteredAnn.NCells() {
		return nil, nil, fmt.Errorf("filter misaligned: %d matrix cells vs %d annotated cells",
			filtered.NCells(), filteredAnn.NCells())
	}

	return filtered, filteredAnn, nil
}
