// Package render produces embedding scatter plots using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/scpath/pipeline/internal/trajectory"
	"github.com/scpath/pipeline/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Size            int
	PointSize       float64
	DefaultColormap string
}

const plotMargin = 50.0

// PlotRenderer renders embedding plots.
type PlotRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewPlotRenderer creates a new plot renderer.
func NewPlotRenderer(cfg Config) *PlotRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 900
	}
	if cfg.PointSize <= 0 {
		cfg.PointSize = 2.0
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}

	return &PlotRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

type viewport struct {
	minX, minY   float64
	scale        float64
	size, margin float64
	spanX, spanY float64
}

func fitViewport(coords [][2]float64, size float64) viewport {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range coords {
		minX = math.Min(minX, p[0])
		maxX = math.Max(maxX, p[0])
		minY = math.Min(minY, p[1])
		maxY = math.Max(maxY, p[1])
	}

	spanX := maxX - minX
	spanY := maxY - minY
	span := math.Max(spanX, spanY)
	if span == 0 {
		span = 1
	}

	return viewport{
		minX:   minX,
		minY:   minY,
		scale:  (size - 2*plotMargin) / span,
		size:   size,
		margin: plotMargin,
		spanX:  spanX,
		spanY:  spanY,
	}
}

// toPixel maps a data point into the canvas, flipping y so larger values
// render upward.
func (v viewport) toPixel(p [2]float64) (float64, float64) {
	px := v.margin + (p[0]-v.minX)*v.scale
	py := v.size - v.margin - (p[1]-v.minY)*v.scale
	return px, py
}

// RenderCategorical renders the embedding colored by a categorical
// assignment. names maps each label index to its legend entry. traj, when
// non-nil, overlays the inferred lineage tree.
func (r *PlotRenderer) RenderCategorical(coords [][2]float64, labels []int, names []string, title string, traj *trajectory.Trajectory) ([]byte, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("render on empty embedding")
	}
	if len(labels) != len(coords) {
		return nil, fmt.Errorf("labels length %d does not match embedding size %d", len(labels), len(coords))
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	v := fitViewport(coords, float64(r.config.Size))
	cmap := colormap.Categorical

	for i, p := range coords {
		px, py := v.toPixel(p)
		if labels[i] < 0 {
			dc.SetColor(colormap.Undefined)
		} else {
			dc.SetColor(cmap.AtIndex(labels[i]))
		}
		dc.DrawCircle(px, py, r.config.PointSize)
		dc.Fill()
	}

	if traj != nil {
		r.overlayTrajectory(dc, v, traj)
	}

	r.drawTitle(dc, title)
	r.drawLegend(dc, names, cmap)

	return r.encodeContext(dc)
}

// RenderContinuous renders the embedding colored by a per-cell scalar
// (pseudotime or gene expression). NaN values render in the undefined
// color and are excluded from range normalization.
func (r *PlotRenderer) RenderContinuous(coords [][2]float64, values []float64, colormapName, title string, traj *trajectory.Trajectory) ([]byte, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("render on empty embedding")
	}
	if len(values) != len(coords) {
		return nil, fmt.Errorf("values length %d does not match embedding size %d", len(values), len(coords))
	}

	cmap, err := colormap.Lookup(colormapName)
	if err != nil {
		cmap, _ = colormap.Lookup(r.config.DefaultColormap)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	v := fitViewport(coords, float64(r.config.Size))

	vmin, vmax := math.Inf(1), math.Inf(-1)
	for _, val := range values {
		if math.IsNaN(val) {
			continue
		}
		vmin = math.Min(vmin, val)
		vmax = math.Max(vmax, val)
	}
	vrange := vmax - vmin
	if vrange == 0 || math.IsInf(vrange, 0) {
		vrange = 1
	}

	// Draw undefined cells first so defined ones stay visible on top.
	for i, p := range coords {
		if !math.IsNaN(values[i]) {
			continue
		}
		px, py := v.toPixel(p)
		dc.SetColor(colormap.Undefined)
		dc.DrawCircle(px, py, r.config.PointSize)
		dc.Fill()
	}
	for i, p := range coords {
		if math.IsNaN(values[i]) {
			continue
		}
		px, py := v.toPixel(p)
		dc.SetColor(cmap.At((values[i] - vmin) / vrange))
		dc.DrawCircle(px, py, r.config.PointSize)
		dc.Fill()
	}

	if traj != nil {
		r.overlayTrajectory(dc, v, traj)
	}

	r.drawTitle(dc, title)
	r.drawColorbar(dc, cmap, vmin, vmax)

	return r.encodeContext(dc)
}

// overlayTrajectory draws the MST edges through cluster centroids and marks
// the root.
func (r *PlotRenderer) overlayTrajectory(dc *gg.Context, v viewport, traj *trajectory.Trajectory) {
	dc.SetRGB(0.1, 0.1, 0.1)
	dc.SetLineWidth(2.5)
	for _, e := range traj.MSTEdges {
		a := traj.Centroids[e[0]]
		b := traj.Centroids[e[1]]
		ax, ay := v.toPixel(a)
		bx, by := v.toPixel(b)
		dc.DrawLine(ax, ay, bx, by)
		dc.Stroke()
	}

	for c, centroid := range traj.Centroids {
		px, py := v.toPixel(centroid)
		if c == traj.Root {
			dc.SetRGB(0.8, 0.1, 0.1)
		} else {
			dc.SetRGB(0.1, 0.1, 0.1)
		}
		dc.DrawCircle(px, py, 5)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawCircle(px, py, 2)
		dc.Fill()
	}
}

func (r *PlotRenderer) drawTitle(dc *gg.Context, title string) {
	if title == "" {
		return
	}
	dc.SetRGB(0, 0, 0)
	dc.DrawString(title, plotMargin, plotMargin/2)
}

func (r *PlotRenderer) drawLegend(dc *gg.Context, names []string, cmap colormap.CategoricalColormap) {
	if len(names) == 0 {
		return
	}
	const swatch = 10.0
	x := float64(r.config.Size) - 170
	y := plotMargin
	for i, name := range names {
		dc.SetColor(cmap.AtIndex(i))
		dc.DrawRectangle(x, y-swatch+2, swatch, swatch)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(name, x+swatch+6, y)
		y += swatch + 6
	}
}

func (r *PlotRenderer) drawColorbar(dc *gg.Context, cmap colormap.Colormap, vmin, vmax float64) {
	const barWidth = 14.0
	barHeight := float64(r.config.Size) / 3
	x := float64(r.config.Size) - plotMargin
	y0 := plotMargin

	steps := int(barHeight)
	for s := 0; s < steps; s++ {
		t := 1.0 - float64(s)/float64(steps-1)
		dc.SetColor(cmap.At(t))
		dc.DrawRectangle(x, y0+float64(s), barWidth, 1)
		dc.Fill()
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("%.2f", vmax), x-38, y0+8)
	dc.DrawString(fmt.Sprintf("%.2f", vmin), x-38, y0+barHeight)
}

func (r *PlotRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
